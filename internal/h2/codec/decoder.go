// Package codec translates between header metadata and HPACK header blocks.
// The decode side runs against the connection's own dynamic table; the
// encode side delegates to golang.org/x/net's encoder.
package codec

import (
	"errors"
	"fmt"

	xhpack "golang.org/x/net/http2/hpack"

	"github.com/albertbausili/stratum/internal/hpack"
)

var (
	// ErrTruncated reports a header block that ends mid-field.
	ErrTruncated = errors.New("hpack: truncated header block")
	// ErrInvalidIndex reports an index outside the static and dynamic tables.
	ErrInvalidIndex = errors.New("hpack: invalid table index")
	// ErrIntegerOverflow reports a varint that does not fit in 32 bits.
	ErrIntegerOverflow = errors.New("hpack: integer overflow")
	// ErrLateTableSizeUpdate reports a dynamic table size update appearing
	// after a header field; RFC 7541 Section 4.2 confines updates to the
	// start of a block.
	ErrLateTableSizeUpdate = errors.New("hpack: table size update after header field")
)

// Decoder decodes HPACK header blocks. Each connection owns one Decoder for
// its whole life; the dynamic table accumulates state across blocks.
type Decoder struct {
	table *hpack.Table
}

// NewDecoder returns a decoder with an initial 4096-byte dynamic table.
func NewDecoder() *Decoder {
	return &Decoder{table: hpack.NewTable()}
}

// SetMaxTableSize applies a locally configured upper bound on the dynamic
// table. Size updates inside header blocks may not exceed it.
func (d *Decoder) SetMaxTableSize(n uint32) {
	d.table.SetMaxBytes(n)
}

// Table exposes the dynamic table for diagnostics.
func (d *Decoder) Table() *hpack.Table { return d.table }

// Decode parses one complete header block and returns the fields in order.
func (d *Decoder) Decode(block []byte) ([][2]string, error) {
	fields := make([][2]string, 0, 8)
	fieldSeen := false
	for len(block) > 0 {
		b := block[0]
		var err error
		switch {
		case b&0x80 != 0:
			// Indexed header field.
			var index uint32
			index, block, err = readVarInt(block, 7)
			if err != nil {
				return nil, err
			}
			if index == 0 {
				return nil, ErrInvalidIndex
			}
			m := d.table.Lookup(index)
			if m == nil {
				return nil, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
			}
			if m.Status != hpack.StatusOK {
				return nil, fmt.Errorf("hpack: reference to undecodable table entry %d", index)
			}
			fields = append(fields, [2]string{m.Field.Name, m.Field.Value})
			fieldSeen = true

		case b&0xc0 == 0x40:
			// Literal with incremental indexing.
			var f xhpack.HeaderField
			var ok bool
			f, ok, block, err = d.readLiteral(block, 6)
			if err != nil {
				return nil, err
			}
			// A field whose strings failed Huffman decoding still enters the
			// table so later indexed references resolve to a definite error
			// instead of desynchronizing the table.
			status := hpack.StatusOK
			if !ok {
				status = hpack.StatusError
			}
			d.table.Add(hpack.Memento{Field: f, Status: status})
			if !ok {
				return nil, fmt.Errorf("hpack: invalid huffman encoding in literal %q", f.Name)
			}
			fields = append(fields, [2]string{f.Name, f.Value})
			fieldSeen = true

		case b&0xe0 == 0x20:
			// Dynamic table size update, only valid before the first field.
			if fieldSeen {
				return nil, ErrLateTableSizeUpdate
			}
			var size uint32
			size, block, err = readVarInt(block, 5)
			if err != nil {
				return nil, err
			}
			if err := d.table.SetCurrentTableSize(size); err != nil {
				return nil, err
			}

		default:
			// Literal without indexing (0x00) or never-indexed (0x10).
			sensitive := b&0xf0 == 0x10
			var f xhpack.HeaderField
			var ok bool
			f, ok, block, err = d.readLiteral(block, 4)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("hpack: invalid huffman encoding in literal %q", f.Name)
			}
			f.Sensitive = sensitive
			fields = append(fields, [2]string{f.Name, f.Value})
			fieldSeen = true
		}
	}
	return fields, nil
}

// readLiteral parses a literal header field whose name is either a table
// reference or a literal string. ok is false when a Huffman-coded string
// failed to decode; the raw bytes are returned in its place.
func (d *Decoder) readLiteral(block []byte, prefix uint8) (f xhpack.HeaderField, ok bool, rest []byte, err error) {
	nameIndex, rest, err := readVarInt(block, prefix)
	if err != nil {
		return f, false, nil, err
	}
	ok = true
	if nameIndex != 0 {
		m := d.table.Lookup(nameIndex)
		if m == nil {
			return f, false, nil, fmt.Errorf("%w: %d", ErrInvalidIndex, nameIndex)
		}
		if m.Status != hpack.StatusOK {
			ok = false
		}
		f.Name = m.Field.Name
	} else {
		var nameOK bool
		f.Name, nameOK, rest, err = readString(rest)
		if err != nil {
			return f, false, nil, err
		}
		ok = ok && nameOK
	}
	var valueOK bool
	f.Value, valueOK, rest, err = readString(rest)
	if err != nil {
		return f, false, nil, err
	}
	return f, ok && valueOK, rest, nil
}

// readVarInt decodes an HPACK integer with the given prefix width.
func readVarInt(block []byte, prefix uint8) (uint32, []byte, error) {
	if len(block) == 0 {
		return 0, nil, ErrTruncated
	}
	mask := uint32(1)<<prefix - 1
	value := uint32(block[0]) & mask
	block = block[1:]
	if value < mask {
		return value, block, nil
	}
	var shift uint
	for {
		if len(block) == 0 {
			return 0, nil, ErrTruncated
		}
		b := block[0]
		block = block[1:]
		add := uint64(b&0x7f) << shift
		total := uint64(value) + add
		if total > 0xffffffff {
			return 0, nil, ErrIntegerOverflow
		}
		value = uint32(total)
		if b&0x80 == 0 {
			return value, block, nil
		}
		shift += 7
		if shift > 28 {
			return 0, nil, ErrIntegerOverflow
		}
	}
}

// readString decodes a length-prefixed string, Huffman-expanding when the H
// bit is set. ok is false on Huffman failure; callers then see the raw bytes.
func readString(block []byte) (s string, ok bool, rest []byte, err error) {
	if len(block) == 0 {
		return "", false, nil, ErrTruncated
	}
	huffman := block[0]&0x80 != 0
	length, rest, err := readVarInt(block, 7)
	if err != nil {
		return "", false, nil, err
	}
	if uint32(len(rest)) < length {
		return "", false, nil, ErrTruncated
	}
	raw := rest[:length]
	rest = rest[length:]
	if !huffman {
		return string(raw), true, rest, nil
	}
	decoded, derr := xhpack.HuffmanDecodeToString(raw)
	if derr != nil {
		return string(raw), false, rest, nil
	}
	return decoded, true, rest, nil
}
