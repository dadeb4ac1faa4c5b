//go:build linux && amd64 && cgo

package jit

/*
#cgo CFLAGS: -Wall
#include <stdint.h>
#include <setjmp.h>
#include <stddef.h>

extern uint64_t goJitskiResolve(uint64_t id, uintptr_t ctx, uintptr_t ret);

// Innermost native call on this thread; the resolver unwinds to it on failure.
static __thread jmp_buf *jitski_abort = NULL;

uint64_t jitski_resolve(uint64_t id, uintptr_t ctx, uintptr_t ret) {
	uint64_t target = goJitskiResolve(id, ctx, ret);
	if (target == 0 && jitski_abort != NULL) {
		longjmp(*jitski_abort, 1);
	}
	return target;
}

static uintptr_t jitski_resolver_address(void) {
	return (uintptr_t)&jitski_resolve;
}

static uint64_t jitski_call(uintptr_t entry, uint64_t arg, int *aborted) {
	jmp_buf env;
	jmp_buf *volatile prev = jitski_abort;
	uint64_t result = 0;
	*aborted = 0;
	jitski_abort = &env;
	if (setjmp(env) == 0) {
		result = ((uint64_t (*)(uint64_t))entry)(arg);
	} else {
		*aborted = 1;
	}
	jitski_abort = prev;
	return result;
}
*/
import "C"

import (
	"runtime"
	"runtime/cgo"
)

func resolverAddress() uintptr {
	return uintptr(C.jitski_resolver_address())
}

// registerEngine hands out the value the trampoline passes back to the
// resolver so it can find e again.
func registerEngine(e *Engine) (uint64, func()) {
	h := cgo.NewHandle(e)
	return uint64(h), h.Delete
}

// invoke calls the generated function at entry with one argument. A
// resolution failure inside the call unwinds back here and is returned.
func (e *Engine) invoke(entry uintptr, arg uint64) (uint64, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var aborted C.int
	result := C.jitski_call(C.uintptr_t(entry), C.uint64_t(arg), &aborted)
	if aborted != 0 {
		return 0, e.takeFault()
	}
	return uint64(result), nil
}
