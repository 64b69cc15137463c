//go:build linux

package process

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// SetTitle renames the calling thread as shown by ps and top. The kernel
// keeps the first 15 bytes.
func SetTitle(title string) error {
	if len(title) > 15 {
		title = title[:15]
	}
	p, err := unix.BytePtrFromString(title)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(p)), 0, 0, 0)
}
