//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
)

// Alloc obtains an anonymous, private mapping of size bytes.
func Alloc(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// Free unmaps a span previously obtained from Alloc.
func Free(data []byte) error {
	return unix.Munmap(data)
}
