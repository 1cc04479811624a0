//go:build !unix

package mmap

import (
	"github.com/pkg/errors"
)

// Alloc obtains an anonymous, private mapping of size bytes.
func Alloc(size int) ([]byte, error) {
	return nil, errors.New("anonymous memory mappings are not supported on this platform")
}

// Free unmaps a span previously obtained from Alloc.
func Free(data []byte) error {
	return errors.New("anonymous memory mappings are not supported on this platform")
}
