//go:build unix

package pagestore

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shades-db/shades/word"
)

// mmapWords backs the arena with a page-aligned anonymous mapping, so the
// region both serves as a cell arena and mirrors the on-disk page layout
// byte for byte.
func mmapWords(nWords int) ([]word.Word, func() error, error) {
	nBytes := nWords * 4
	if nBytes == 0 {
		return nil, func() error { return nil }, nil
	}
	b, err := unix.Mmap(-1, 0, nBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", nBytes, err)
	}
	words := unsafe.Slice((*word.Word)(unsafe.Pointer(&b[0])), nWords)
	unmap := func() error { return unix.Munmap(b) }
	return words, unmap, nil
}
