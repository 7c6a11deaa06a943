//go:build linux

package tcp

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func setKeepAliveIdle(fd uintptr, idle time.Duration) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return errors.Wrap(err, "enabling keepalive")
	}

	secs := max(int(idle/time.Second), 1)
	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); err != nil {
		return errors.Wrap(err, "setting keepalive idle")
	}
	return nil
}
