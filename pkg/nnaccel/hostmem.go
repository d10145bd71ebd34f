package nnaccel

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Host memory for the tensors that the model runtime reads and writes directly.
// Tensors start on a page boundary and occupy whole pages.

var pageSize = unix.Getpagesize()

// Returns the system page size
func PageSize() int {
	return pageSize
}

// Round nbytes up to a whole number of pages
func RoundUpToPageSize(nbytes int) int {
	return (nbytes + pageSize - 1) &^ (pageSize - 1)
}

// Allocate nbytes, starting on a page boundary
func PageAlignedAlloc(nbytes int) []byte {
	if nbytes == 0 {
		return []byte{}
	}
	// Over-allocate by one page, then slide forward to the first boundary
	raw := make([]byte, RoundUpToPageSize(nbytes)+pageSize)
	skip := pageSize - int(uintptr(unsafe.Pointer(&raw[0]))%uintptr(pageSize))
	if skip == pageSize {
		skip = 0
	}
	return raw[skip : skip+nbytes : skip+RoundUpToPageSize(nbytes)]
}

// Allocate n float32 elements, starting on a page boundary
func PageAlignedFloat32(n int) []float32 {
	if n == 0 {
		return []float32{}
	}
	raw := PageAlignedAlloc(n * 4)
	return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), n)
}
