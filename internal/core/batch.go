package core

// ChunkInputs splits ids into consecutive batches of at most size, keeping
// order. A non-positive size yields one batch; empty input yields none.
func ChunkInputs[T any](ids []T, size int) [][]T {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 || size >= len(ids) {
		return [][]T{ids}
	}
	batches := make([][]T, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		batches = append(batches, ids[start:min(start+size, len(ids))])
	}
	return batches
}
