//go:build !windows

package tui

import (
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
)

// sttySane puts the controlling terminal back in cooked mode. It reads
// /dev/tty so a redirected stdin does not matter.
var sttySane = func() error {
	return exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1").Run()
}

// restoreTerminal undoes raw mode left behind when the status view exits
// through a signal. Nothing happens when in is not a terminal.
func restoreTerminal(in *os.File) bool {
	if in == nil || !isatty.IsTerminal(in.Fd()) {
		return false
	}
	_ = sttySane()
	return true
}
