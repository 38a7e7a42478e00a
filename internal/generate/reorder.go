package generate

// reorderBuffer releases token chunks in index order. Backends deliver
// sequentially, but a chunked transport reassembling delivery may hand over
// chunks out of order; tokens must be applied to the placeholder strictly
// in arrival order, so late chunks are held until their predecessors land.
type reorderBuffer struct {
	next    int
	pending map[int]string
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{pending: make(map[int]string)}
}

// Push records one chunk and invokes apply for every chunk that is now
// releasable in order.
func (b *reorderBuffer) Push(token string, index int, apply func(token string, index int) error) error {
	if index < b.next {
		// Duplicate delivery; the chunk was already applied.
		return nil
	}
	b.pending[index] = token

	for {
		tok, ok := b.pending[b.next]
		if !ok {
			return nil
		}
		delete(b.pending, b.next)
		if err := apply(tok, b.next); err != nil {
			return err
		}
		b.next++
	}
}
