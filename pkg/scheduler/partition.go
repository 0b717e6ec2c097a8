// Package scheduler distributes Changes across isolated worker processes,
// tracks their completion events, and merges their part files into the
// final dataset.
package scheduler

// Partition splits items into contiguous chunks of ceil(len(items)/workers).
// The last chunk may be smaller, and fewer than workers chunks are returned
// when there are not enough items. Empty chunks are never returned.
func Partition[T any](items []T, workers int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	size := (len(items) + workers - 1) / workers

	chunks := make([][]T, 0, workers)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
