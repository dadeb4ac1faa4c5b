//go:build linux && amd64 && cgo

package jit

// #include <stdint.h>
import "C"

import (
	"fmt"
	"runtime/cgo"

	"github.com/colorfulnotion/jitski/log"
)

// goJitskiResolve is entered from the trampoline through jitski_resolve.
// It returns the entry of function id, or 0 after recording why binding
// failed.
//
//export goJitskiResolve
func goJitskiResolve(id C.uint64_t, ctx C.uintptr_t, ret C.uintptr_t) (target C.uint64_t) {
	var e *Engine
	// A panic must not unwind into generated code.
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.TrampMonitoring, "resolver panic", "id", uint64(id), "err", r)
			if e != nil {
				e.setFault(fmt.Errorf("resolver panic: %v", r))
			}
			target = 0
		}
	}()
	e, ok := cgo.Handle(ctx).Value().(*Engine)
	if !ok {
		log.Error(log.TrampMonitoring, "resolver entered with a foreign handle", "ctx", uint64(ctx))
		return 0
	}
	entry, err := e.bind(uint64(id), uintptr(ret))
	if err != nil {
		log.Warn(log.TrampMonitoring, "bind failed", "id", uint64(id), "ret", fmt.Sprintf("%#x", uintptr(ret)), "err", err)
		e.setFault(err)
		return 0
	}
	return C.uint64_t(entry)
}
