// Package jit lazily compiles numbered x86-64 functions into executable
// memory and binds call sites to them on first use through a shared,
// self-patching trampoline.
package jit

import (
	"fmt"
)

const (
	// DefaultCapacity is the number of function slots in a table.
	DefaultCapacity = 100
)

// Config tunes an Engine. The zero value of each field selects its default.
type Config struct {
	Capacity int    // function table slots, fixed for the engine's lifetime
	PageSize int    // bytes per code region; 0 selects the OS page size
	Mapper   Mapper // source of read-write-execute memory; nil selects mmap
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity}
}

// Validate fills defaults and rejects settings the engine cannot honour.
func (c *Config) Validate() error {
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Capacity < 0 || c.Capacity > 1<<31-1 {
		return fmt.Errorf("capacity %d out of range", c.Capacity)
	}
	if c.Mapper == nil {
		c.Mapper = defaultMapper()
	}
	if c.PageSize == 0 {
		c.PageSize = osPageSize()
	}
	if c.PageSize < 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page size %d is not a power of two", c.PageSize)
	}
	return nil
}
