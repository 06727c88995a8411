package poisson

import (
	"golang.org/x/sync/errgroup"
)

// minChunk is the smallest number of items handed to one worker.
const minChunk = 256

// parallelRange calls fn over disjoint chunks [lo, hi) covering [start, end)
// using at most threads goroutines. fn must only write state owned by its chunk.
func parallelRange(threads, start, end int, fn func(lo, hi int) error) error {
	n := end - start
	if n <= 0 {
		return nil
	}
	if threads <= 1 || n <= minChunk {
		return fn(start, end)
	}
	chunk := max(minChunk, (n+4*threads-1)/(4*threads))
	var g errgroup.Group
	g.SetLimit(threads)
	for lo := start; lo < end; lo += chunk {
		lo, hi := lo, min(lo+chunk, end)
		g.Go(func() error { return fn(lo, hi) })
	}
	return g.Wait()
}

// depthRange calls fn over chunks of the arena indices of depth d.
func (o *Octree) depthRange(d int, fn func(lo, hi int32) error) error {
	return parallelRange(o.params.threads(), int(o.tree.Start(d)), int(o.tree.End(d)), func(lo, hi int) error {
		return fn(int32(lo), int32(hi))
	})
}
