//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package process

import (
	"os"

	"golang.org/x/sys/unix"
)

var diagnosticSignals = []os.Signal{unix.SIGINFO}
