//go:build windows

package source

import "golang.org/x/sys/windows"

// Elevated reports whether the process token is elevated (run as
// administrator).
func Elevated() (bool, error) {
	return windows.GetCurrentProcessToken().IsElevated(), nil
}
