// Package chunk splits ordered payloads into size-bounded pieces for
// transport and reassembles them by concatenation.
package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxBytes keeps a chunk comfortably under the 32 KiB frame limit of
// API Gateway WebSocket messages.
const DefaultMaxBytes = 30 * 1024

// Chunk is one ordered piece of a split payload.
type Chunk[T any] struct {
	Items []T
	Index int // 1-based
	Total int
	Last  bool
	Bytes int
}

// Split greedily packs whole items into chunks whose serialized size stays
// within maxBytes. An item larger than maxBytes is emitted alone in its own
// chunk; items are never split internally. Splitting an empty slice yields
// no chunks.
func Split[T any](items []T, maxBytes int) ([]Chunk[T], error) {
	if maxBytes <= 0 {
		return nil, errors.New("chunk: max bytes must be positive")
	}

	var (
		chunks  []Chunk[T]
		current Chunk[T]
	)
	for i, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("chunk: marshal item %d: %w", i, err)
		}
		size := len(raw)
		if len(current.Items) > 0 && current.Bytes+size > maxBytes {
			chunks = append(chunks, current)
			current = Chunk[T]{}
		}
		current.Items = append(current.Items, item)
		current.Bytes += size
	}
	if len(current.Items) > 0 {
		chunks = append(chunks, current)
	}

	for i := range chunks {
		chunks[i].Index = i + 1
		chunks[i].Total = len(chunks)
		chunks[i].Last = i == len(chunks)-1
	}
	return chunks, nil
}

// Reassemble concatenates chunk items in order.
func Reassemble[T any](chunks []Chunk[T]) []T {
	n := 0
	for _, c := range chunks {
		n += len(c.Items)
	}
	out := make([]T, 0, n)
	for _, c := range chunks {
		out = append(out, c.Items...)
	}
	return out
}
