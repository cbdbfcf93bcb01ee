package codec

import (
	"encoding/binary"
	"sync"

	"github.com/albertbausili/stratum/pkg/stratum"
)

// connCodec is the per-channel codec pair. The channel state region holds a
// registry handle rather than the pair itself, since state regions are raw
// bytes.
type connCodec struct {
	mu  sync.Mutex
	dec *Decoder
	enc *Encoder
}

var (
	registryMu sync.Mutex
	registry   = make(map[uint64]*connCodec)
	nextHandle uint64
)

func storeCodec(c *connCodec) uint64 {
	registryMu.Lock()
	defer registryMu.Unlock()
	nextHandle++
	registry[nextHandle] = c
	return nextHandle
}

func loadCodec(handle uint64) *connCodec {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[handle]
}

func dropCodec(handle uint64) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, handle)
}

// NewFilter returns the header codec pipeline filter. On the receive path it
// expands StreamOpBatch.HeaderBlock into RecvInitialMetadata; on the send
// path it condenses SendInitialMetadata into HeaderBlock for the transport
// beneath it. Both directions share the channel's codec pair, so header
// compression state survives across calls.
func NewFilter() *stratum.Filter {
	return &stratum.Filter{
		Name:             "header-codec",
		ChannelStateSize: 8,

		InitChannel: func(elem *stratum.ChannelElement, args *stratum.ChannelArgs) error {
			c := &connCodec{dec: NewDecoder(), enc: NewEncoder()}
			binary.LittleEndian.PutUint64(elem.ChannelData, storeCodec(c))
			return nil
		},
		DestroyChannel: func(elem *stratum.ChannelElement) {
			handle := binary.LittleEndian.Uint64(elem.ChannelData)
			if c := loadCodec(handle); c != nil {
				c.enc.Close()
			}
			dropCodec(handle)
		},

		StartStreamOp: func(elem *stratum.CallElement, batch *stratum.StreamOpBatch) {
			c := loadCodec(binary.LittleEndian.Uint64(elem.ChannelData))
			if c == nil {
				batch.Complete(stratum.ErrStackDestroyed)
				return
			}

			if batch.HeaderBlock != nil && batch.RecvInitialMetadata != nil {
				c.mu.Lock()
				fields, err := c.dec.Decode(batch.HeaderBlock)
				c.mu.Unlock()
				if err != nil {
					batch.Complete(err)
					return
				}
				*batch.RecvInitialMetadata = fields
				batch.HeaderBlock = nil
				stratum.CallNextOp(elem, batch)
				return
			}

			if len(batch.SendInitialMetadata) > 0 && batch.HeaderBlock == nil {
				// The lock spans the downstream write: blocks must reach the
				// wire in the same order their encoder table mutations
				// happened, or the peer's decoder desynchronizes.
				c.mu.Lock()
				block, err := c.enc.Encode(batch.SendInitialMetadata)
				if err != nil {
					c.mu.Unlock()
					batch.Complete(err)
					return
				}
				batch.HeaderBlock = block
				stratum.CallNextOp(elem, batch)
				c.mu.Unlock()
				return
			}

			stratum.CallNextOp(elem, batch)
		},
	}
}
