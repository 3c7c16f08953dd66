package region

import "errors"

var ErrCursorExhausted = errors.New("region: cursor exhausted")

// Cursor tracks a walking position through a Region's segments. Go has
// no skb-fragment-slot limit, so append-vs-copy collapses to a single
// method, Next, that returns a zero-copy slice view when the remaining
// run stays within one segment and otherwise falls back to a linear
// copy into a caller-owned scratch buffer.
type Cursor struct {
	r      *Region
	offset uint64
}

// NewCursor starts a cursor at the given region offset.
func NewCursor(r *Region, offset uint64) *Cursor {
	return &Cursor{r: r, offset: offset}
}

// Offset returns the cursor's current position.
func (c *Cursor) Offset() uint64 { return c.offset }

// Next returns up to n bytes starting at the cursor's position and
// advances it. If the run stays within a single segment the returned
// slice aliases the region's backing storage (zero-copy); otherwise it is
// copied into scratch, which must be at least n bytes or nil (scratch is
// allocated on demand).
func (c *Cursor) Next(n int, scratch []byte) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	seg, segOff, err := c.r.segmentAt(c.offset)
	if err != nil {
		return nil, ErrCursorExhausted
	}
	avail := int(seg.Length - segOff)
	if avail >= n {
		c.offset += uint64(n)
		return seg.Bytes[segOff : segOff+uint64(n)], nil
	}

	if scratch == nil || len(scratch) < n {
		scratch = make([]byte, n)
	}
	got, err := c.r.ReadAt(scratch[:n], c.offset)
	if err != nil {
		return nil, err
	}
	c.offset += uint64(got)
	return scratch[:got], nil
}

// WriteNext writes src into the region at the cursor's position, honoring
// segment boundaries and the Writable flag, then advances the cursor by
// len(src) (the DMA-copy-from-skb-page/buffer callback's Go equivalent).
func (c *Cursor) WriteNext(src []byte) (int, error) {
	n, err := c.r.WriteAt(src, c.offset)
	c.offset += uint64(n)
	return n, err
}
