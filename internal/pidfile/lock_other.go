//go:build !unix

package pidfile

import "os"

// lockFile is a stub on non-Unix platforms; only the liveness check guards
// the PID file there.
func lockFile(f *os.File) error { return nil }

// unlockFile is a stub counterpart to lockFile on non-Unix platforms.
func unlockFile(f *os.File) error { return nil }
