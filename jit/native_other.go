//go:build !linux || !amd64 || !cgo

package jit

import (
	"github.com/colorfulnotion/jitski/jiterrors"
)

// Code can still be assembled and inspected here, but never executed.
func resolverAddress() uintptr { return 0 }

func registerEngine(*Engine) (uint64, func()) { return 0, func() {} }

func (e *Engine) invoke(uintptr, uint64) (uint64, error) {
	return 0, jiterrors.ErrUnsupportedPlatform
}
