//go:build unix

package target

import (
	"golang.org/x/sys/unix"
)

// hostMachine reports the kernel's machine name, as uname -m prints it.
func hostMachine() (string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(u.Machine[:]), nil
}
