package types

import "sort"

// Chunk is one unit of streamed content produced by a provider.
// Index is monotone per attempt, starting at 0, with no gaps.
type Chunk struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // monotonic nanoseconds
	Index     int    `json:"chunk_index"`
	Speaker   string `json:"speaker,omitempty"`
}

// Reconstruct joins chunk contents in chunk_index order.
// The input slice is not modified; order-shuffled input yields the same
// result as already-sorted input.
func Reconstruct(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var size int
	for _, c := range sorted {
		size += len(c.Content)
	}
	buf := make([]byte, 0, size)
	for _, c := range sorted {
		buf = append(buf, c.Content...)
	}
	return string(buf)
}
