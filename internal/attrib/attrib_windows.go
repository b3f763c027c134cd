//go:build windows

package attrib

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// lookupOwner maps pid to DOMAIN\user through the process token.
func lookupOwner(pid int) (string, error) {
	return withProcessToken(uint32(pid), func(tok windows.Token) (string, error) {
		tu, err := tok.GetTokenUser()
		if err != nil {
			return "", fmt.Errorf("attrib: token user for %d: %w", pid, err)
		}
		account, domain, _, err := tu.User.Sid.LookupAccount("")
		if err != nil {
			return "", fmt.Errorf("attrib: lookup account for %d: %w", pid, err)
		}
		if domain == "" {
			return account, nil
		}
		return domain + `\` + account, nil
	})
}

// withProcessToken opens pid with query-only rights, opens its token and
// runs fn. Both handles are closed on every path.
func withProcessToken(pid uint32, fn func(windows.Token) (string, error)) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", fmt.Errorf("attrib: open process %d: %w", pid, classifyWindows(err))
	}
	defer windows.CloseHandle(h)

	var tok windows.Token
	if err := windows.OpenProcessToken(h, windows.TOKEN_QUERY, &tok); err != nil {
		return "", fmt.Errorf("attrib: open token %d: %w", pid, classifyWindows(err))
	}
	defer tok.Close()

	return fn(tok)
}

// classifyWindows wraps OS errors with the package sentinels.
func classifyWindows(err error) error {
	switch {
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case errors.Is(err, windows.ERROR_INVALID_PARAMETER):
		// OpenProcess reports a PID with no live process this way.
		return fmt.Errorf("%w: %w", ErrVanished, err)
	}
	return err
}
