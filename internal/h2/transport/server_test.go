package transport

import (
	"bytes"
	"context"
	"io"
	"log"
	"testing"
	"time"

	"golang.org/x/net/http2"
	xhpack "golang.org/x/net/http2/hpack"

	"github.com/albertbausili/stratum/internal/h2/codec"
	"github.com/albertbausili/stratum/internal/h2/frame"
	"github.com/albertbausili/stratum/pkg/stratum"
)

// newLoopbackConn builds a connection whose frames land in a buffer instead
// of a socket. The pipeline is the same one newConn builds.
func newLoopbackConn(t *testing.T, handler Handler) (*Conn, *bytes.Buffer) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	out := new(bytes.Buffer)

	conn := &Conn{
		logger:  logger,
		buffer:  new(bytes.Buffer),
		streams: make(map[uint32]*pendingStream),
		server: &Server{
			handler: handler,
			cfg:     Config{MaxConcurrentStreams: 100},
			logger:  logger,
		},
	}
	conn.writer = frame.NewWriter(out)
	conn.drainer = NewDrainer(conn.writer, time.Minute, logger)

	stack, err := stratum.NewChannelStack(
		[]*stratum.Filter{codec.NewFilter(), conn.wireFilter()},
		stratum.StackOptions{Name: "loopback", Logger: logger},
	)
	if err != nil {
		t.Fatalf("NewChannelStack: %v", err)
	}
	conn.stack = stack
	t.Cleanup(conn.close)
	return conn, out
}

func encodeRequestBlock(t *testing.T, fields [][2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := xhpack.NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(xhpack.HeaderField{Name: f[0], Value: f[1]}); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	return buf.Bytes()
}

func TestServeStreamEchoesThroughPipeline(t *testing.T) {
	var gotPath string
	var gotBody []byte
	handler := func(ctx context.Context, path string, md [][2]string, body []byte) ([][2]string, []byte) {
		gotPath = path
		gotBody = body
		return [][2]string{{"x-echo", "yes"}}, append([]byte("re: "), body...)
	}
	conn, out := newLoopbackConn(t, handler)

	block := encodeRequestBlock(t, [][2]string{
		{":method", "POST"},
		{":path", "/echo"},
		{"content-type", "text/plain"},
	})
	conn.serveStream(context.Background(), &pendingStream{
		id:          1,
		headerBlock: block,
		body:        []byte("hello"),
		headersDone: true,
		streamEnded: true,
	})

	if gotPath != "/echo" {
		t.Errorf("handler path = %q, want /echo", gotPath)
	}
	if string(gotBody) != "hello" {
		t.Errorf("handler body = %q, want hello", gotBody)
	}

	framer := http2.NewFramer(nil, bytes.NewReader(out.Bytes()))
	framer.ReadMetaHeaders = xhpack.NewDecoder(4096, nil)

	f, err := framer.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	mh, ok := f.(*http2.MetaHeadersFrame)
	if !ok {
		t.Fatalf("first frame is %T, want HEADERS", f)
	}
	if mh.StreamID != 1 {
		t.Errorf("HEADERS stream id = %d, want 1", mh.StreamID)
	}
	if got := mh.PseudoValue("status"); got != "200" {
		t.Errorf(":status = %q, want 200", got)
	}
	foundEcho := false
	for _, hf := range mh.RegularFields() {
		if hf.Name == "x-echo" && hf.Value == "yes" {
			foundEcho = true
		}
	}
	if !foundEcho {
		t.Error("response headers missing x-echo")
	}
	if mh.StreamEnded() {
		t.Error("HEADERS carried END_STREAM despite a body")
	}

	f, err = framer.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame DATA: %v", err)
	}
	df, ok := f.(*http2.DataFrame)
	if !ok {
		t.Fatalf("second frame is %T, want DATA", f)
	}
	if string(df.Data()) != "re: hello" {
		t.Errorf("DATA = %q, want %q", df.Data(), "re: hello")
	}
	if !df.StreamEnded() {
		t.Error("final DATA missing END_STREAM")
	}
}

func TestServeStreamEmptyBodyEndsOnHeaders(t *testing.T) {
	handler := func(ctx context.Context, path string, md [][2]string, body []byte) ([][2]string, []byte) {
		return nil, nil
	}
	conn, out := newLoopbackConn(t, handler)

	block := encodeRequestBlock(t, [][2]string{{":method", "GET"}, {":path", "/"}})
	conn.serveStream(context.Background(), &pendingStream{
		id:          3,
		headerBlock: block,
		headersDone: true,
		streamEnded: true,
	})

	framer := http2.NewFramer(nil, bytes.NewReader(out.Bytes()))
	framer.ReadMetaHeaders = xhpack.NewDecoder(4096, nil)
	f, err := framer.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	mh, ok := f.(*http2.MetaHeadersFrame)
	if !ok {
		t.Fatalf("frame is %T, want HEADERS", f)
	}
	if !mh.StreamEnded() {
		t.Error("empty response did not end stream on HEADERS")
	}
	if _, err := framer.ReadFrame(); err != io.EOF {
		t.Errorf("trailing frames after HEADERS, err = %v", err)
	}
}

func TestHeaderBlocksDecodedInWireOrder(t *testing.T) {
	type seen struct {
		path string
		dyn  string
	}
	got := make(chan seen, 2)
	handler := func(ctx context.Context, path string, md [][2]string, body []byte) ([][2]string, []byte) {
		s := seen{path: path}
		for _, h := range md {
			if h[0] == "x-dyn" {
				s.dyn = h[1]
			}
		}
		got <- s
		return nil, nil
	}
	conn, _ := newLoopbackConn(t, handler)
	conn.prefaceReceived = true

	// Stream 1's block inserts x-dyn into the connection's dynamic table;
	// stream 3's block references it by index. Only decoding in arrival
	// order resolves the reference.
	block1 := []byte{0x00, 0x05}
	block1 = append(block1, ":path"...)
	block1 = append(block1, 0x02)
	block1 = append(block1, "/a"...)
	block1 = append(block1, 0x40, 0x05)
	block1 = append(block1, "x-dyn"...)
	block1 = append(block1, 0x03)
	block1 = append(block1, "one"...)

	block3 := []byte{0x00, 0x05}
	block3 = append(block3, ":path"...)
	block3 = append(block3, 0x02)
	block3 = append(block3, "/b"...)
	block3 = append(block3, 0xbe)

	var in bytes.Buffer
	fr := http2.NewFramer(&in, nil)
	for _, hf := range []struct {
		id    uint32
		block []byte
	}{{1, block1}, {3, block3}} {
		if err := fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      hf.id,
			BlockFragment: hf.block,
			EndHeaders:    true,
			EndStream:     true,
		}); err != nil {
			t.Fatalf("WriteHeaders: %v", err)
		}
	}

	if err := conn.handleData(context.Background(), in.Bytes()); err != nil {
		t.Fatalf("handleData: %v", err)
	}

	byPath := make(map[string]string)
	for i := 0; i < 2; i++ {
		select {
		case s := <-got:
			byPath[s.path] = s.dyn
		case <-time.After(time.Second):
			t.Fatalf("handler ran %d times, want 2", i)
		}
	}
	if byPath["/a"] != "one" || byPath["/b"] != "one" {
		t.Errorf("decoded x-dyn per path = %v, want one for both streams", byPath)
	}
}

func TestGetInfoTerminatesAtWireFilter(t *testing.T) {
	conn, _ := newLoopbackConn(t, func(context.Context, string, [][2]string, []byte) ([][2]string, []byte) {
		return nil, nil
	})
	var info stratum.ChannelInfo
	conn.stack.GetInfo(&info)
	if info.LBPolicyName != nil || info.ServiceConfigJSON != nil {
		t.Errorf("wire filter filled ChannelInfo: %+v", info)
	}
}

func TestPipelineDrainOpReachesDrainer(t *testing.T) {
	conn, out := newLoopbackConn(t, func(context.Context, string, [][2]string, []byte) ([][2]string, []byte) {
		return nil, nil
	})

	completed := false
	conn.stack.StartOp(&stratum.TransportOp{
		StartDrain: true,
		OnComplete: func(error) { completed = true },
	})
	if !completed {
		t.Error("transport op completion callback did not run")
	}

	frames := readFrames(t, out)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want first GOAWAY + PING", len(frames))
	}
	if ga, ok := frames[0].(*http2.GoAwayFrame); !ok || ga.LastStreamID != frame.MaxStreamID {
		t.Errorf("first frame = %#v, want GOAWAY with max stream id", frames[0])
	}
}
