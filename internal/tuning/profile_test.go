package tuning

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/gcalloc/allocator"
	"github.com/orizon-lang/gcalloc/gc"
	gcerrors "github.com/orizon-lang/gcalloc/internal/errors"
	"github.com/orizon-lang/gcalloc/internal/simheap"
)

type fakeTarget struct {
	mu         sync.Mutex
	maxHeap    uintptr
	divisor    uint
	expanded   uintptr
	expandOK   bool
	findLeak   bool
	disabled   int
	onDemand   bool
	maxPerCall uint
	java       bool
}

func newFakeTarget() *fakeTarget { return &fakeTarget{expandOK: true} }

func (f *fakeTarget) set(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fn()
}

func (f *fakeTarget) SetMaxHeapSize(n uintptr)       { f.set(func() { f.maxHeap = n }) }
func (f *fakeTarget) SetFreeSpaceDivisor(n uint)     { f.set(func() { f.divisor = n }) }
func (f *fakeTarget) SetFindLeak(v bool)             { f.set(func() { f.findLeak = v }) }
func (f *fakeTarget) Enable()                        { f.set(func() { f.disabled-- }) }
func (f *fakeTarget) Disable()                       { f.set(func() { f.disabled++ }) }
func (f *fakeTarget) SetFinalizeOnDemand(v bool)     { f.set(func() { f.onDemand = v }) }
func (f *fakeTarget) SetMaxFinalizersPerCall(n uint) { f.set(func() { f.maxPerCall = n }) }
func (f *fakeTarget) SetJavaFinalization(v bool)     { f.set(func() { f.java = v }) }

func (f *fakeTarget) IsDisabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.disabled > 0
}

func (f *fakeTarget) ExpandHeap(n uintptr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.expandOK {
		f.expanded += n
	}

	return f.expandOK
}

func (f *fakeTarget) failExpand() *fakeTarget {
	f.expandOK = false
	return f
}

func (f *fakeTarget) heapLimit() uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.maxHeap
}

const fullProfile = `
markers: 4
interior_pointers: false
strategy: over-allocate
engine_constraint: ">= 8.0.0"
max_heap_size: 512MiB
initial_heap_size: 16MiB
free_space_divisor: 5
find_leak: true
disabled: true
finalizers:
  on_demand: true
  max_per_call: 32
  java_finalization: true
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(fullProfile))
	require.NoError(t, err)

	assert.Equal(t, 4, p.Markers)
	require.NotNil(t, p.InteriorPointers)
	assert.False(t, *p.InteriorPointers)
	assert.Equal(t, uint(5), p.FreeSpaceDivisor)
	assert.Equal(t, uint(32), p.Finalizers.MaxPerCall)

	strategy, err := p.AllocatorStrategy()
	require.NoError(t, err)
	assert.Equal(t, allocator.StrategyOverAllocate, strategy)

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, empty.InteriorPointers)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]struct {
		yaml  string
		field bool
	}{
		"unknown field":    {yaml: "bogus: 1\n"},
		"malformed":        {yaml: "markers: [\n"},
		"negative markers": {yaml: "markers: -1\n", field: true},
		"bad strategy":     {yaml: "strategy: buddy\n", field: true},
		"bad size":         {yaml: "max_heap_size: lots\n", field: true},
		"bad initial size": {yaml: "initial_heap_size: 12XB\n", field: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Equal(t, tc.field, errors.Is(err, gcerrors.InvalidProfile("", "")))
		})
	}

	_, err := Parse([]byte("max_heap_size: 1MiB\ninitial_heap_size: 4MiB\n"))
	assert.True(t, errors.Is(err, gcerrors.InvalidSize(0, "")))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullProfile), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Markers)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read tuning profile")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestApply(t *testing.T) {
	p, err := Parse([]byte(fullProfile))
	require.NoError(t, err)

	target := newFakeTarget()
	require.NoError(t, p.Apply(target))
	require.NoError(t, p.Apply(target))

	assert.Equal(t, uintptr(512<<20), target.maxHeap)
	assert.Equal(t, uint(5), target.divisor)
	assert.Zero(t, target.expanded, "initial_heap_size is only used by Init")
	assert.True(t, target.findLeak)
	assert.True(t, target.onDemand)
	assert.True(t, target.java)
	assert.Equal(t, uint(32), target.maxPerCall)
	assert.Equal(t, 1, target.disabled, "re-applying does not nest Disable")

	enabled := &Profile{}
	require.NoError(t, enabled.Apply(target))
	assert.Zero(t, target.disabled)
	assert.Zero(t, target.maxHeap)
}

func TestInitGrowsHeapOnce(t *testing.T) {
	p, err := Parse([]byte(fullProfile))
	require.NoError(t, err)

	target := newFakeTarget()
	require.NoError(t, p.Init(target))
	assert.Equal(t, uintptr(16<<20), target.expanded)
	assert.Equal(t, uintptr(512<<20), target.maxHeap)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Apply(target))
	}
	assert.Equal(t, uintptr(16<<20), target.expanded)

	err = p.Init(newFakeTarget().failExpand())
	assert.True(t, errors.Is(err, gcerrors.OutOfMemory(0)))
}

func TestOverridesTakePrecedence(t *testing.T) {
	p, err := Parse([]byte("max_heap_size: 1MiB\ndisabled: false\n"))
	require.NoError(t, err)

	target := newFakeTarget()
	target.Disable()

	overrides := []Override{WithMaxHeapSize(8 << 20), WithCollectionDisabled()}
	require.NoError(t, p.Apply(target, overrides...))
	require.NoError(t, p.Apply(target, overrides...))

	assert.Equal(t, uintptr(8<<20), target.heapLimit())
	assert.True(t, target.IsDisabled())
	assert.Equal(t, 1, target.disabled)

	s, err := p.Settings(WithMaxHeapSize(0))
	require.NoError(t, err)
	assert.Equal(t, uintptr(1<<20), s.MaxHeapSize, "a zero cap leaves the profile value")
}

func TestOptionsConfigureCollector(t *testing.T) {
	p, err := Parse([]byte(fullProfile))
	require.NoError(t, err)

	h := simheap.New()
	c := gc.New(h, p.Options()...)
	require.NoError(t, c.Init(4))
	require.NoError(t, p.Init(c))

	assert.False(t, h.AllInteriorPointers())
	assert.Equal(t, allocator.StrategyOverAllocate, c.Allocator().(*allocator.GC).Strategy())
	assert.True(t, c.IsDisabled())
	assert.True(t, c.FindLeak())
	assert.GreaterOrEqual(t, c.Statistics().HeapSizeFull, uint64(16<<20))
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_heap_size: 1MiB\n"), 0o600))

	target := newFakeTarget()
	w, err := NewWatcher(path, target, nil, WithCollectionDisabled())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// unrelated files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("max_heap_size: 9MiB\n"), 0o600))

	// atomic replace, the way editors save
	tmp := filepath.Join(dir, "gc.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("max_heap_size: 2MiB\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	// the override keeps collection disabled on every reload
	require.Eventually(t, func() bool {
		return target.heapLimit() == 2<<20 && target.IsDisabled()
	}, 5*time.Second, 10*time.Millisecond)

	// a broken profile leaves the previous settings in place
	require.NoError(t, os.WriteFile(tmp, []byte("max_heap_size: lots\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uintptr(2<<20), target.heapLimit())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
