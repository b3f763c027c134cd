//go:build !windows

package source

import "golang.org/x/sys/unix"

// Elevated reports whether the process runs with an effective UID of 0,
// which fanotify requires (CAP_SYS_ADMIN).
func Elevated() (bool, error) {
	return unix.Geteuid() == 0, nil
}
