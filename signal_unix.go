//go:build unix

package ddb

import (
	"os/signal"

	"golang.org/x/sys/unix"
)

// IgnoreBrokenPipe masks SIGPIPE so a remote-link write against a closed
// connection surfaces as an io.ErrClosedPipe-style error return instead of
// killing the process, per spec §5. Call once from a CLI's main.
func IgnoreBrokenPipe() {
	signal.Ignore(unix.SIGPIPE)
}
