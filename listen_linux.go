//go:build linux

package predictd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// listenTCP binds address:port with the requested backlog. The standard
// library always uses the kernel's somaxconn, so the socket is built by hand
// and handed to net.FileListener.
func listenTCP(ctx context.Context, address string, port, backlog int) (net.Listener, bool, error) {
	addr, err := net.DefaultResolver.LookupIPAddr(ctx, address)
	if err != nil {
		return nil, false, fmt.Errorf("resolve %q: %w", address, err)
	}
	if len(addr) == 0 {
		return nil, false, fmt.Errorf("resolve %q: no addresses", address)
	}
	ip := addr[0]

	family := unix.AF_INET6
	var sa unix.Sockaddr
	if v4 := ip.IP.To4(); v4 != nil {
		family = unix.AF_INET
		in4 := &unix.SockaddrInet4{Port: port}
		copy(in4.Addr[:], v4)
		sa = in4
	} else {
		in6 := &unix.SockaddrInet6{Port: port}
		copy(in6.Addr[:], ip.IP.To16())
		if ip.Zone != "" {
			iface, err := net.InterfaceByName(ip.Zone)
			if err != nil {
				return nil, false, fmt.Errorf("resolve zone %q: %w", ip.Zone, err)
			}
			in6.ZoneId = uint32(iface.Index)
		}
		sa = in6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, false, fmt.Errorf("socket: %w", err)
	}
	closeFD := true
	defer func() {
		if closeFD {
			_ = unix.Close(fd)
		}
	}()
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, false, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return nil, false, fmt.Errorf("bind %s: %w", net.JoinHostPort(ip.String(), strconv.Itoa(port)), err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, false, fmt.Errorf("listen: %w", err)
	}
	file := os.NewFile(uintptr(fd), "predictd-listener")
	closeFD = false
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, false, fmt.Errorf("file listener: %w", err)
	}
	return ln, true, nil
}

// temporaryAcceptError reports accept failures the loop should back off from
// rather than stop on.
func temporaryAcceptError(err error) bool {
	switch {
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE),
		errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.ENOBUFS),
		errors.Is(err, unix.ENOMEM):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
