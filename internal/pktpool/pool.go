// Package pktpool pools the byte buffers backing wire packets, the way
// lib/pool.go and lib/pcpcore.go pool PcpPacket payloads with
// github.com/Clouded-Sabre/ringpool, avoiding a per-packet allocation on
// the send paths of cmd/fp-endpoint and cmd/fp-arbiter, which encode each
// outgoing frame into a pooled buffer.
package pktpool

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var emptySlice []byte

// Buffer is the ring-pooled element backing a single wire frame
// (spec.md §4.B's FASTPASS_MAX_PAYLOAD-sized packets on the endpoint side,
// larger arbiter-side buffers).
type Buffer struct {
	bytes  []byte
	length int
}

// NewBuffer is the rp.DataInterface constructor passed to rp.NewRingPool;
// it is called once per pooled element with the fixed buffer length as its
// single parameter, matching lib/pool.go's NewPayload signature.
func NewBuffer(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		panic("pktpool.NewBuffer: expected exactly one parameter, the buffer length")
	}
	n, ok := params[0].(int)
	if !ok {
		panic("pktpool.NewBuffer: parameter must be an int buffer length")
	}
	if len(emptySlice) < n {
		emptySlice = make([]byte, n)
	}
	return &Buffer{bytes: make([]byte, n)}
}

// Reset zeroes the buffer and clears its recorded length.
func (b *Buffer) Reset() {
	copy(b.bytes, emptySlice)
	b.length = 0
}

// Copy stores src into the buffer, failing if it doesn't fit.
func (b *Buffer) Copy(src []byte) error {
	if len(src) > len(b.bytes) {
		return fmt.Errorf("pktpool.Buffer.Copy: source length %d exceeds buffer capacity %d", len(src), len(b.bytes))
	}
	copy(b.bytes, src)
	b.length = len(src)
	return nil
}

// Slice returns the buffer's logical contents.
func (b *Buffer) Slice() []byte { return b.bytes[:b.length] }

// Raw returns the full backing array, for callers (e.g. the wire encoder)
// that need to write directly into it before calling Copy/SetLength.
func (b *Buffer) Raw() []byte { return b.bytes }

// SetLength records how many bytes of Raw() are in use.
func (b *Buffer) SetLength(n int) { b.length = n }

// PrintContent implements rp.DataInterface's debug hook.
func (b *Buffer) PrintContent() {
	fmt.Println("pktpool.Buffer:", b.Slice())
}

// Pool wraps an *rp.RingPool of Buffers, sized for one role's traffic.
type Pool struct {
	ring *rp.RingPool
}

// New creates a ring pool of size elements, each bufLen bytes long.
func New(name string, size, bufLen int) *Pool {
	return &Pool{ring: rp.NewRingPool(name, size, NewBuffer, bufLen)}
}

// Get checks out a pooled element and returns it along with its *Buffer.
func (p *Pool) Get() (*rp.Element, *Buffer) {
	el := p.ring.GetElement()
	return el, el.Data.(*Buffer)
}

// Put returns a pooled element, resetting its buffer first.
func (p *Pool) Put(el *rp.Element) {
	el.Data.(*Buffer).Reset()
	p.ring.ReturnElement(el)
}
