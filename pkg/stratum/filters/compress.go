package filters

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/albertbausili/stratum/pkg/stratum"
)

const (
	encodingNone = iota
	encodingGzip
	encodingBrotli
)

// CompressConfig holds configuration for the Compress filter.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize specifies the minimum message size to compress (default: 1024 bytes)
	MinSize int
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6, // balanced compression
		MinSize: 1024,
	}
}

// Compress returns a filter that compresses outbound messages with gzip or
// brotli, chosen from the peer's accept-encoding.
func Compress() *stratum.Filter {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a message-compression filter with custom
// configuration. The negotiated encoding is remembered in call state during
// the receive walk and applied to the send walk.
func CompressWithConfig(config CompressConfig) *stratum.Filter {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return &stratum.Filter{
		Name:          "compress",
		CallStateSize: 1,

		StartStreamOp: func(elem *stratum.CallElement, batch *stratum.StreamOpBatch) {
			if batch.RecvInitialMetadata != nil {
				md := batch.RecvInitialMetadata
				state := elem.CallData
				next := batch.OnComplete
				batch.OnComplete = func(err error) {
					if err == nil {
						state[0] = negotiate(metadataValue(*md, "accept-encoding"))
					}
					if next != nil {
						next(err)
					}
				}
				stratum.CallNextOp(elem, batch)
				return
			}

			if len(batch.SendMessage) >= config.MinSize {
				switch elem.CallData[0] {
				case encodingBrotli:
					if compressed, ok := compressBrotli(batch.SendMessage, config.Level); ok {
						batch.SendMessage = compressed
						batch.SendInitialMetadata = setEncoding(batch.SendInitialMetadata, "br", len(compressed))
					}
				case encodingGzip:
					if compressed, ok := compressGzip(batch.SendMessage, config.Level); ok {
						batch.SendMessage = compressed
						batch.SendInitialMetadata = setEncoding(batch.SendInitialMetadata, "gzip", len(compressed))
					}
				}
			}
			stratum.CallNextOp(elem, batch)
		},
	}
}

func negotiate(acceptEncoding string) byte {
	if strings.Contains(acceptEncoding, "br") {
		return encodingBrotli
	}
	if strings.Contains(acceptEncoding, "gzip") {
		return encodingGzip
	}
	return encodingNone
}

// setEncoding records the negotiated encoding and rewrites any handler-set
// content-length to the compressed size. No length header is added when the
// handler set none; DATA framing already delimits the body.
func setEncoding(md [][2]string, encoding string, size int) [][2]string {
	md = append(md, [2]string{"content-encoding", encoding})
	for i := range md {
		if md[i][0] == "content-length" {
			md[i][1] = strconv.Itoa(size)
		}
	}
	return md
}

// compressBrotli compresses body, reporting false when compression did not
// shrink it.
func compressBrotli(body []byte, level int) ([]byte, bool) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, level)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(body) {
		return nil, false
	}
	return buf.Bytes(), true
}

func compressGzip(body []byte, level int) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(body) {
		return nil, false
	}
	return buf.Bytes(), true
}
