// Package hpack implements the header-compression cache used by the codec
// filter: a fixed static table and a size-bounded, ring-buffered dynamic
// table exposed through one unified index space (RFC 7541 Section 2.3).
package hpack

import (
	"sync"

	xhpack "golang.org/x/net/http2/hpack"
)

// LastStaticEntry is the number of entries in the static table. Indices
// 1..LastStaticEntry address the static table; indices beyond it address
// the dynamic table. This numbering must match the wire format exactly.
const LastStaticEntry = 61

// staticFields is the HPACK static table defined in RFC 7541 Appendix A,
// in wire index order (staticFields[0] is index 1).
var staticFields = [LastStaticEntry]xhpack.HeaderField{
	{Name: ":authority"},
	{Name: ":method", Value: "GET"},
	{Name: ":method", Value: "POST"},
	{Name: ":path", Value: "/"},
	{Name: ":path", Value: "/index.html"},
	{Name: ":scheme", Value: "http"},
	{Name: ":scheme", Value: "https"},
	{Name: ":status", Value: "200"},
	{Name: ":status", Value: "204"},
	{Name: ":status", Value: "206"},
	{Name: ":status", Value: "304"},
	{Name: ":status", Value: "400"},
	{Name: ":status", Value: "404"},
	{Name: ":status", Value: "500"},
	{Name: "accept-charset"},
	{Name: "accept-encoding", Value: "gzip, deflate"},
	{Name: "accept-language"},
	{Name: "accept-ranges"},
	{Name: "accept"},
	{Name: "access-control-allow-origin"},
	{Name: "age"},
	{Name: "allow"},
	{Name: "authorization"},
	{Name: "cache-control"},
	{Name: "content-disposition"},
	{Name: "content-encoding"},
	{Name: "content-language"},
	{Name: "content-length"},
	{Name: "content-location"},
	{Name: "content-range"},
	{Name: "content-type"},
	{Name: "cookie"},
	{Name: "date"},
	{Name: "etag"},
	{Name: "expect"},
	{Name: "expires"},
	{Name: "from"},
	{Name: "host"},
	{Name: "if-match"},
	{Name: "if-modified-since"},
	{Name: "if-none-match"},
	{Name: "if-range"},
	{Name: "if-unmodified-since"},
	{Name: "last-modified"},
	{Name: "link"},
	{Name: "location"},
	{Name: "max-forwards"},
	{Name: "proxy-authenticate"},
	{Name: "proxy-authorization"},
	{Name: "range"},
	{Name: "referer"},
	{Name: "refresh"},
	{Name: "retry-after"},
	{Name: "server"},
	{Name: "set-cookie"},
	{Name: "strict-transport-security"},
	{Name: "transfer-encoding"},
	{Name: "user-agent"},
	{Name: "vary"},
	{Name: "via"},
	{Name: "www-authenticate"},
}

var (
	staticOnce     sync.Once
	staticMementos [LastStaticEntry]Memento
)

// staticTable returns the process-wide static mementos, built once before
// first use and never mutated afterwards.
func staticTable() *[LastStaticEntry]Memento {
	staticOnce.Do(func() {
		for i, f := range staticFields {
			staticMementos[i] = Memento{Field: f, Status: StatusOK}
		}
	})
	return &staticMementos
}
