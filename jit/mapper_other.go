//go:build !unix

package jit

import (
	"os"

	"github.com/colorfulnotion/jitski/jiterrors"
)

type unsupportedMapper struct{}

func defaultMapper() Mapper { return unsupportedMapper{} }

func osPageSize() int { return os.Getpagesize() }

func (unsupportedMapper) Map(int) ([]byte, error) { return nil, jiterrors.ErrUnsupportedPlatform }
func (unsupportedMapper) Unmap([]byte) error      { return nil }
