//go:build linux

package main

import (
	"context"
	"errors"
	"time"
	"unsafe"

	"github.com/orizon-lang/gcalloc/allocator"
	"github.com/orizon-lang/gcalloc/gc"
	gcerrors "github.com/orizon-lang/gcalloc/internal/errors"
)

// errChurnDone stops the remaining goroutines once the churn loop finishes.
var errChurnDone = errors.New("churn finished")

// node is a two-field list cell living in collected memory.
type node struct {
	next  *node
	value uint64
}

type sample struct {
	nodes    int
	heapSize int64
	gcNo     uint64
}

type churnResult struct {
	nodes   int
	elapsed time.Duration
	samples []sample
}

func (r churnResult) finalHeap() int64 {
	if len(r.samples) == 0 {
		return 0
	}

	return r.samples[len(r.samples)-1].heapSize
}

// plateaued reports whether the heap grew by less than a quarter over the
// second half of the run.
func (r churnResult) plateaued() bool {
	if len(r.samples) < 2 {
		return false
	}

	mid := r.samples[len(r.samples)/2-1].heapSize

	return r.finalHeap()*4 <= mid*5
}

// churn allocates n nodes, each linked to its predecessor. Every window
// nodes the chain is cut, so at most window nodes stay reachable from the
// pinned head. Nothing is freed explicitly.
func churn(ctx context.Context, c *gc.Collector, n, window, sampleEvery int) (churnResult, error) {
	a := c.Allocator()

	head := c.Pin(nil)
	if head == nil {
		return churnResult{}, gcerrors.OutOfMemory(unsafe.Sizeof(uintptr(0)))
	}
	defer head.Release()

	window = max(window, 1)
	sampleEvery = max(sampleEvery, 1)

	res := churnResult{nodes: n}
	start := time.Now()

	for i := 0; i < n; i++ {
		if i&4095 == 0 {
			if err := ctx.Err(); err != nil {
				res.nodes = i
				return res, err
			}
		}

		nd := allocator.Create[node](a)
		if nd == nil {
			return res, gcerrors.OutOfMemory(unsafe.Sizeof(node{}))
		}

		nd.value = uint64(i)
		if i%window != 0 {
			nd.next = (*node)(head.Pointer())
		}

		head.Set(unsafe.Pointer(nd))

		if (i+1)%sampleEvery == 0 {
			stats := c.Statistics()
			res.samples = append(res.samples, sample{
				nodes:    i + 1,
				heapSize: int64(stats.HeapSize()),
				gcNo:     stats.GCNo,
			})
		}
	}

	res.elapsed = time.Since(start)

	return res, nil
}
