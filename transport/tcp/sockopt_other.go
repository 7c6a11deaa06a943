//go:build !linux

package tcp

import "time"

// Only linux exposes the idle time portably; elsewhere the system default
// applies.
func setKeepAliveIdle(fd uintptr, idle time.Duration) error { return nil }
