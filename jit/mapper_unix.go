//go:build unix

package jit

import (
	"golang.org/x/sys/unix"
)

// mmapMapper hands out anonymous private mappings that are readable,
// writable and executable at the same time.
type mmapMapper struct{}

func defaultMapper() Mapper { return mmapMapper{} }

func osPageSize() int { return unix.Getpagesize() }

func (mmapMapper) Map(size int) ([]byte, error) {
	return unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
}

func (mmapMapper) Unmap(mem []byte) error {
	return unix.Munmap(mem)
}
