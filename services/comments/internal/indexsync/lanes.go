package indexsync

import (
	"context"
	"hash/fnv"

	"golang.org/x/sync/errgroup"
)

// laneOf maps a key onto one of n lanes. Items with the same key always land
// in the same lane and so are applied one at a time, in arrival order.
func laneOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// runLanes partitions items by key and processes each partition sequentially,
// with partitions running concurrently. It returns once every item is done.
func runLanes[T any](ctx context.Context, n int, items []T, key func(T) string, fn func(context.Context, T)) {
	if n < 1 {
		n = 1
	}
	lanes := make([][]T, n)
	for _, it := range items {
		i := laneOf(key(it), n)
		lanes[i] = append(lanes[i], it)
	}

	var g errgroup.Group
	for _, lane := range lanes {
		if len(lane) == 0 {
			continue
		}
		g.Go(func() error {
			for _, it := range lane {
				fn(ctx, it)
			}
			return nil
		})
	}
	_ = g.Wait()
}
