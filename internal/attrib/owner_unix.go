//go:build !windows

package attrib

import (
	"errors"
	"fmt"
	"io/fs"
	"os/user"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
)

// processUID returns the real UID of pid as reported by gopsutil.
func processUID(pid int) (int32, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("attrib: process %d: %w: %w", pid, ErrVanished, err)
	}
	uids, err := p.Uids()
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return 0, fmt.Errorf("attrib: process %d uids: %w: %w", pid, ErrVanished, err)
		case errors.Is(err, fs.ErrPermission):
			return 0, fmt.Errorf("attrib: process %d uids: %w: %w", pid, ErrAccessDenied, err)
		}
		return 0, fmt.Errorf("attrib: process %d uids: %w", pid, err)
	}
	if len(uids) == 0 {
		return 0, fmt.Errorf("attrib: process %d: no uids reported", pid)
	}
	return uids[0], nil
}

// usernameFor maps a UID to its account name, falling back to the numeric
// UID when the account database has no entry.
func usernameFor(uid int32) string {
	id := strconv.Itoa(int(uid))
	if u, err := user.LookupId(id); err == nil && u.Username != "" {
		return u.Username
	}
	return id
}
