//go:build !linux && !windows

package attrib

// lookupOwner resolves pid through gopsutil. No handle is held, so a PID
// recycled mid-lookup cannot be detected on these platforms.
func lookupOwner(pid int) (string, error) {
	uid, err := processUID(pid)
	if err != nil {
		return "", err
	}
	return usernameFor(uid), nil
}
