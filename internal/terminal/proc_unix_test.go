//go:build !windows

package terminal

import "golang.org/x/sys/unix"

func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
