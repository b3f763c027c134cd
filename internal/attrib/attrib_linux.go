//go:build linux

package attrib

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// lookupOwner resolves pid while holding a pidfd for it. The pidfd pins the
// process identity: if the process exits while /proc is being read, the
// final check fails with ESRCH and the result is discarded, because the PID
// may already belong to an unrelated process.
func lookupOwner(pid int) (string, error) {
	return withPidfd(pid, func(pidfd int) (string, error) {
		uid, err := processUID(pid)
		if err != nil {
			return "", err
		}
		if pidfd >= 0 {
			if err := unix.PidfdSendSignal(pidfd, 0, nil, 0); errors.Is(err, unix.ESRCH) {
				return "", fmt.Errorf("attrib: process %d exited during lookup: %w", pid, ErrVanished)
			}
		}
		return usernameFor(uid), nil
	})
}

// withPidfd opens a pidfd for pid, runs fn with it and closes it on every
// path. Kernels without pidfd_open (before 5.3) run fn with -1.
func withPidfd(pid int, fn func(pidfd int) (string, error)) (string, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ESRCH):
			return "", fmt.Errorf("attrib: pidfd_open %d: %w", pid, ErrVanished)
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
			return "", fmt.Errorf("attrib: pidfd_open %d: %w", pid, ErrAccessDenied)
		case errors.Is(err, unix.ENOSYS):
			return fn(-1)
		}
		return "", fmt.Errorf("attrib: pidfd_open %d: %w", pid, err)
	}
	defer unix.Close(fd)
	return fn(fd)
}
