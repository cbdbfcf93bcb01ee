package codec

import (
	xhpack "golang.org/x/net/http2/hpack"

	"github.com/valyala/bytebufferpool"
)

// Encoder produces HPACK header blocks. Like Decoder it is connection-bound:
// the peer's decoder tracks the dynamic table state this encoder builds up.
// Not safe for concurrent use.
type Encoder struct {
	buf *bytebufferpool.ByteBuffer
	enc *xhpack.Encoder
}

// NewEncoder returns a ready encoder backed by a pooled buffer.
func NewEncoder() *Encoder {
	buf := bytebufferpool.Get()
	return &Encoder{
		buf: buf,
		enc: xhpack.NewEncoder(buf),
	}
}

// SetMaxDynamicTableSize emits a table size update at the start of the next
// header block.
func (e *Encoder) SetMaxDynamicTableSize(n uint32) {
	e.enc.SetMaxDynamicTableSize(n)
}

// Encode writes fields as one header block and returns a copy of the bytes.
func (e *Encoder) Encode(fields [][2]string) ([]byte, error) {
	e.buf.Reset()
	for _, f := range fields {
		if err := e.enc.WriteField(xhpack.HeaderField{Name: f[0], Value: f[1]}); err != nil {
			return nil, err
		}
	}
	block := make([]byte, len(e.buf.B))
	copy(block, e.buf.B)
	return block, nil
}

// Close returns the pooled buffer. The encoder must not be used afterwards.
func (e *Encoder) Close() {
	if e.buf != nil {
		bytebufferpool.Put(e.buf)
		e.buf = nil
		e.enc = nil
	}
}
