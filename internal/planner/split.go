package planner

// Split divides items into exactly n contiguous chunks. Every chunk but the
// last holds len(items)/n elements; the last one absorbs the remainder. When n
// exceeds len(items) the leading chunks are empty. Concatenating the chunks in
// order always reproduces items. n < 1 is treated as 1.
func Split[T any](n int, items []T) [][]T {
	if n < 1 {
		n = 1
	}

	chunks := make([][]T, n)
	if len(items) == 0 {
		for i := range chunks {
			chunks[i] = []T{}
		}
		return chunks
	}

	m := len(items) / n
	for i := 0; i < n-1; i++ {
		lo, hi := i*m, (i+1)*m
		chunks[i] = items[lo:hi:hi]
	}
	chunks[n-1] = items[(n-1)*m:]
	return chunks
}
