package jit

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/jitski/jiterrors"
	"github.com/colorfulnotion/jitski/log"
	"github.com/colorfulnotion/jitski/x86"
)

const (
	demoF = 0
	demoG = 1
)

// newHeapEngine builds an engine over plain memory. Its code is never run;
// the tests drive the resolution routine directly with the return address
// a call site would push.
func newHeapEngine(t *testing.T) (*Engine, *heapMapper) {
	t.Helper()
	m := &heapMapper{}
	e, err := New(Config{Capacity: 8, PageSize: 256, Mapper: m})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, m
}

func rel32At(t *testing.T, e *Engine, site uintptr) int32 {
	t.Helper()
	code, err := e.Code(site, x86.CallLen)
	require.NoError(t, err)
	require.Equal(t, byte(0xE8), code[0])
	return int32(binary.LittleEndian.Uint32(code[1:]))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultCapacity, cfg.Capacity)
	assert.Positive(t, cfg.PageSize)
	assert.NotNil(t, cfg.Mapper)

	assert.Error(t, (&Config{Capacity: -1}).Validate())
	assert.Error(t, (&Config{PageSize: 3000}).Validate())
	assert.Equal(t, DefaultCapacity, DefaultConfig().Capacity)
}

func TestNewMapsTrampoline(t *testing.T) {
	e, m := newHeapEngine(t)
	assert.Equal(t, 1, m.maps)
	code, err := e.Code(e.Trampoline(), 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x48, 0x59}, code, "pop rcx")
	assert.Equal(t, Stats{}, e.Stats())
}

func TestNewAllocationRefused(t *testing.T) {
	_, err := New(Config{Mapper: &heapMapper{fail: jiterrors.ErrAllocation}})
	assert.ErrorIs(t, err, jiterrors.ErrAllocation)
}

func TestBindRewritesCallSite(t *testing.T) {
	e, _ := newHeapEngine(t)
	require.NoError(t, e.RegisterDemo(demoF, demoG))

	fEntry, err := e.Resolve(demoF)
	require.NoError(t, err)
	f, ok := e.Table().Listing(demoF)
	require.True(t, ok)
	require.Len(t, f.Calls, 1)
	site := f.Calls[0].Addr
	ret := site + x86.CallLen
	assert.Equal(t, fEntry, f.Base)

	sites, err := e.CallSites()
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, CallSite{Addr: site, Owner: "f", State: Unresolved, Target: e.Trampoline()}, sites[0])
	before := rel32At(t, e, site)

	// g is compiled by the first trip through the trampoline
	_, compiled := e.Table().Listing(demoG)
	assert.False(t, compiled)
	target, err := e.bind(demoG, ret)
	require.NoError(t, err)
	gEntry, err := e.Resolve(demoG)
	require.NoError(t, err)
	assert.Equal(t, gEntry, target)

	after := rel32At(t, e, site)
	assert.NotEqual(t, before, after)
	assert.Equal(t, int64(gEntry)-int64(ret), int64(after))

	sites, err = e.CallSites()
	require.NoError(t, err)
	assert.Equal(t, Resolved, sites[0].State)
	assert.Equal(t, gEntry, sites[0].Target)
	assert.Equal(t, 1, sites[0].Binds)
	assert.Equal(t, Stats{Compilations: 2, Resolutions: 1, Patches: 1}, e.Stats())

	// a late second entry for a site that is already bound changes nothing
	target, err = e.bind(demoG, ret)
	require.NoError(t, err)
	assert.Equal(t, gEntry, target)
	assert.Equal(t, after, rel32At(t, e, site))
	assert.Equal(t, Stats{Compilations: 2, Resolutions: 2, Patches: 1}, e.Stats())
}

func TestBindFailuresLeaveSiteUnresolved(t *testing.T) {
	e, _ := newHeapEngine(t)
	seq, err := e.AddCallSequence("h", 5)
	require.NoError(t, err)
	require.NoError(t, e.Register(2, seq))
	_, err = e.Resolve(2)
	require.NoError(t, err)
	h, _ := e.Table().Listing(2)
	ret := h.Calls[0].Addr + x86.CallLen
	before := rel32At(t, e, h.Calls[0].Addr)

	_, err = e.bind(5, ret)
	assert.ErrorIs(t, err, jiterrors.ErrLookupUnregistered)
	_, err = e.bind(99, ret)
	assert.ErrorIs(t, err, jiterrors.ErrLookupOutOfRange)
	_, err = e.bind(5, h.Base+1)
	assert.ErrorIs(t, err, jiterrors.ErrNotCallSite)
	_, err = e.bind(5, 0x20)
	assert.ErrorIs(t, err, jiterrors.ErrNotCallSite)

	assert.Equal(t, before, rel32At(t, e, h.Calls[0].Addr))
	assert.Equal(t, 0, e.Stats().Patches)

	// once the callee exists the same site binds normally
	require.NoError(t, e.Register(5, ConstSequence("k", 1)))
	_, err = e.bind(5, ret)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Stats().Patches)
}

func TestBindRejectsDirectCalls(t *testing.T) {
	e, _ := newHeapEngine(t)
	require.NoError(t, e.Register(1, ConstSequence("a", 1)))
	require.NoError(t, e.Register(2, ConstSequence("b", 2)))
	a, err := e.Resolve(1)
	require.NoError(t, err)
	require.NoError(t, e.Register(3, x86.Sequence{x86.Push{Src: x86.RBX}, x86.Call{Target: a}, x86.Pop{Dst: x86.RBX}, x86.Ret{}}))
	_, err = e.Resolve(3)
	require.NoError(t, err)
	l, _ := e.Table().Listing(3)

	// the call already goes to a, not to the trampoline
	_, err = e.bind(2, l.Calls[0].Addr+x86.CallLen)
	assert.ErrorIs(t, err, jiterrors.ErrNotCallSite)
	sites, err := e.CallSites()
	require.NoError(t, err)
	assert.Empty(t, sites)
}

func TestLazyEntryIsCached(t *testing.T) {
	e, m := newHeapEngine(t)
	first, err := e.LazyEntry(4)
	require.NoError(t, err)
	second, err := e.LazyEntry(4)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, m.maps)

	_, err = e.LazyEntry(8)
	assert.ErrorIs(t, err, jiterrors.ErrLookupOutOfRange)

	sites, err := e.CallSites()
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "lazy.f4", sites[0].Owner)
	assert.Equal(t, Unresolved, sites[0].State)
	assert.Equal(t, 0, e.Stats().Compilations, "the stub does not compile its callee")
}

func TestLazyCallArguments(t *testing.T) {
	e, _ := newHeapEngine(t)
	_, err := e.LazyCall(1, x86.RDI, x86.RSI)
	assert.ErrorIs(t, err, jiterrors.ErrTooManyArguments)
	_, err = e.LazyCall(8)
	assert.ErrorIs(t, err, jiterrors.ErrLookupOutOfRange)

	seq, err := e.ForwardSequence("fwd", 1)
	require.NoError(t, err)
	assert.Contains(t, seq.String(), "mov esi, 0x1")
}

func TestBindEmitsEvents(t *testing.T) {
	log.RecordEvents()
	defer log.StopRecording()

	e, _ := newHeapEngine(t)
	require.NoError(t, e.RegisterDemo(demoF, demoG))
	_, err := e.Resolve(demoF)
	require.NoError(t, err)
	f, _ := e.Table().Listing(demoF)
	_, err = e.bind(demoG, f.Calls[0].Addr+x86.CallLen)
	require.NoError(t, err)

	assert.Equal(t, []string{"compile", "compile", "bind"}, log.RecordedKinds())
}

func TestClose(t *testing.T) {
	m := &heapMapper{}
	e, err := New(Config{Capacity: 4, PageSize: 128, Mapper: m})
	require.NoError(t, err)
	require.NoError(t, e.RegisterDemo(demoF, demoG))
	_, err = e.Resolve(demoG)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	assert.Equal(t, 2, m.unmaps)
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Register(2, ConstSequence("x", 1)), jiterrors.ErrEngineClosed)
	_, err = e.Resolve(demoF)
	assert.ErrorIs(t, err, jiterrors.ErrEngineClosed)
	_, err = e.LazyEntry(demoF)
	assert.ErrorIs(t, err, jiterrors.ErrEngineClosed)
	_, err = e.Call(demoF, 3)
	assert.ErrorIs(t, err, jiterrors.ErrEngineClosed)
}
