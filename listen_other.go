//go:build !linux

package predictd

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// listenTCP binds address:port. The backlog cannot be set portably here, so
// the platform default applies and the second result is false.
func listenTCP(ctx context.Context, address string, port, _ int) (net.Listener, bool, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, false, err
	}
	return ln, false, nil
}

func temporaryAcceptError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
