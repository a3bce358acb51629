package pools

// minBufferSize is the first backing array drawn from the global byte pool
const minBufferSize = 2048

// ByteBuffer is an append-only accumulator with a consumable prefix.
// Consumed bytes are dropped by advancing an offset; the live region is
// moved to the front only when the dead prefix outweighs it, so a buffer
// reused across requests settles at a stable capacity and stops allocating.
//
// The zero value is an empty buffer ready to use.
type ByteBuffer struct {
	buf []byte
	off int
}

// Append copies p onto the end of the buffer, growing capacity as needed.
func (b *ByteBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.ensure(len(p))
	b.buf = append(b.buf, p...)
}

// ensure makes room for n more bytes without losing unconsumed data
func (b *ByteBuffer) ensure(n int) {
	if b.buf == nil {
		size := minBufferSize
		if n > size {
			size = n
		}
		b.buf = GetBytes(size)[:0]
		return
	}

	if len(b.buf)+n <= cap(b.buf) {
		return
	}

	live := len(b.buf) - b.off
	if b.off > 0 && live+n <= cap(b.buf) && b.off >= live {
		// Compact in place
		copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:live]
		b.off = 0
		return
	}

	newCap := 2 * cap(b.buf)
	if newCap < live+n {
		newCap = live + n
	}
	grown := make([]byte, live, newCap)
	copy(grown, b.buf[b.off:])
	PutBytes(b.buf)
	b.buf = grown
	b.off = 0
}

// Consume drops the first n unconsumed bytes.
func (b *ByteBuffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= b.Len() {
		b.Clear()
		return
	}
	b.off += n
}

// Bytes returns the unconsumed bytes. The slice is only valid until the next mutation.
func (b *ByteBuffer) Bytes() []byte {
	return b.buf[b.off:]
}

// Len returns the number of unconsumed bytes
func (b *ByteBuffer) Len() int {
	return len(b.buf) - b.off
}

// Cap returns the capacity of the backing array
func (b *ByteBuffer) Cap() int {
	return cap(b.buf)
}

// Clear empties the buffer, keeping its capacity.
func (b *ByteBuffer) Clear() {
	b.buf = b.buf[:0]
	b.off = 0
}

// Release empties the buffer and returns the backing array to the byte
// pool when its capacity exceeds maxRetain.
func (b *ByteBuffer) Release(maxRetain int) {
	if b.buf != nil && cap(b.buf) > maxRetain {
		PutBytes(b.buf)
		b.buf = nil
		b.off = 0
		return
	}
	b.Clear()
}
