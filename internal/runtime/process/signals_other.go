//go:build !(darwin || dragonfly || freebsd || netbsd || openbsd)

package process

import "os"

// Linux has no SIGINFO.
var diagnosticSignals []os.Signal
