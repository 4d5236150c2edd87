package chunk

import (
	"iter"
	"slices"
)

// Batches yields consecutive groups of at most size items from items. Each
// batch is a capacity-capped subslice of items, so appending to it never
// writes into the next batch.
func Batches[T any](items []T, size int) iter.Seq[[]T] {
	size = normalize(size)
	return func(yield func([]T) bool) {
		if len(items) == 0 {
			return
		}
		for batch := range slices.Chunk(items, size) {
			if !yield(batch) {
				return
			}
		}
	}
}

// FromSeq batches a streamed sequence, holding at most one batch in memory.
func FromSeq[T any](seq iter.Seq[T], size int) iter.Seq[[]T] {
	size = normalize(size)
	return func(yield func([]T) bool) {
		batch := make([]T, 0, size)
		for item := range seq {
			batch = append(batch, item)
			if len(batch) == size {
				if !yield(batch) {
					return
				}
				batch = make([]T, 0, size)
			}
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
}

// Count returns how many batches Batches yields for n items.
func Count(n, size int) int {
	if n <= 0 {
		return 0
	}
	size = normalize(size)
	return (n + size - 1) / size
}

func normalize(size int) int {
	if size <= 0 {
		return DefaultBatchSize
	}
	return size
}
