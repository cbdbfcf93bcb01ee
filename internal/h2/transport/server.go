// Package transport runs HTTP/2 server connections on a gnet event engine.
// Each connection owns a filter pipeline shared by its streams; each request
// stream is dispatched through a per-stream call stack and answered through
// the same pipeline in the opposite direction.
package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/albertbausili/stratum/internal/h2/codec"
	"github.com/albertbausili/stratum/internal/h2/frame"
	"github.com/albertbausili/stratum/pkg/stratum"
)

// verboseLogging controls hot-path logging for performance-sensitive paths.
// Keep false for production runs to avoid performance overhead.
const verboseLogging = false

const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Handler answers one fully received request stream.
type Handler func(ctx context.Context, path string, metadata [][2]string, body []byte) (respMeta [][2]string, respBody []byte)

// Config defines the configuration options for the HTTP/2 transport server.
type Config struct {
	Addr                 string
	Multicore            bool
	NumEventLoop         int
	ReusePort            bool
	Logger               *log.Logger
	MaxConcurrentStreams uint32
	// DrainTimeout bounds the graceful-drain PING probe. Zero selects
	// DefaultDrainTimeout.
	DrainTimeout time.Duration
	// Filters are inserted between the header codec and the wire filter in
	// every connection's pipeline.
	Filters []*stratum.Filter
}

// Server implements the gnet.EventHandler interface for HTTP/2 connections.
type Server struct {
	gnet.BuiltinEventEngine
	handler Handler
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *log.Logger
	engine  gnet.Engine

	activeConnsMu sync.Mutex
	activeConns   []gnet.Conn
}

// NewServer creates an HTTP/2 server on a gnet transport engine.
func NewServer(handler Handler, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 100
	}
	return &Server{
		handler: handler,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  cfg.Logger,
	}
}

// Start runs the gnet event engine. It blocks until the engine stops.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	s.logger.Printf("starting HTTP/2 server on %s", s.cfg.Addr)
	return gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
}

// Stop drains every connection gracefully and stops the engine. Each
// connection runs the two-GOAWAY handshake; Stop returns once all of them
// reached their final GOAWAY or ctx expired.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Println("initiating graceful shutdown")
	s.cancel()

	s.activeConnsMu.Lock()
	conns := make([]gnet.Conn, len(s.activeConns))
	copy(conns, s.activeConns)
	s.activeConnsMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		conn, ok := c.Context().(*Conn)
		if !ok {
			continue
		}
		g.Go(func() error {
			conn.stack.StartOp(&stratum.TransportOp{StartDrain: true})
			select {
			case <-conn.drainer.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()

	for _, c := range conns {
		_ = c.Close()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if serr := s.engine.Stop(stopCtx); serr != nil {
		s.logger.Printf("error stopping gnet engine: %v", serr)
	}
	s.logger.Println("server shutdown complete")
	return err
}

// OnBoot is called when the engine is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Printf("HTTP/2 server listening on %s (multicore: %v)", s.cfg.Addr, s.cfg.Multicore)
	return gnet.None
}

// OnOpen builds the per-connection pipeline and starts tracking the
// connection for shutdown.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	conn, err := newConn(c, s)
	if err != nil {
		s.logger.Printf("rejecting connection from %s: %v", c.RemoteAddr(), err)
		return nil, gnet.Close
	}
	c.SetContext(conn)

	s.activeConnsMu.Lock()
	s.activeConns = append(s.activeConns, c)
	s.activeConnsMu.Unlock()

	connsActive.Inc()
	if verboseLogging {
		s.logger.Printf("new connection from %s", c.RemoteAddr())
	}
	return nil, gnet.None
}

// OnClose tears down the connection's pipeline.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if conn, ok := c.Context().(*Conn); ok {
		conn.close()
	}

	s.activeConnsMu.Lock()
	for i, tracked := range s.activeConns {
		if tracked == c {
			s.activeConns[i] = s.activeConns[len(s.activeConns)-1]
			s.activeConns = s.activeConns[:len(s.activeConns)-1]
			break
		}
	}
	s.activeConnsMu.Unlock()

	connsActive.Dec()
	if err != nil && verboseLogging {
		s.logger.Printf("connection closed with error: %v", err)
	}
	return gnet.None
}

// OnTraffic feeds received bytes into the connection's frame loop.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Conn)
	if !ok {
		return gnet.Close
	}
	buf, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	if err := conn.handleData(s.ctx, buf); err != nil {
		s.logger.Printf("connection error: %v", err)
		return gnet.Close
	}
	return gnet.None
}

// streamIDKey carries the HTTP/2 stream id through CallArgs.Context into
// the wire filter's call state.
type streamIDKey struct{}

func putStreamID(callData []byte, id uint32) {
	binary.LittleEndian.PutUint64(callData, uint64(id))
}

func getStreamID(callData []byte) uint32 {
	return uint32(binary.LittleEndian.Uint64(callData))
}

// pendingStream accumulates one inbound stream until its header block and
// body are complete.
type pendingStream struct {
	id          uint32
	headerBlock []byte
	body        []byte
	headersDone bool
	streamEnded bool
}

// Conn is one HTTP/2 connection: frame I/O plus the filter pipeline every
// stream on the connection runs through.
type Conn struct {
	gc      gnet.Conn
	server  *Server
	logger  *log.Logger
	buffer  *bytes.Buffer
	reader  *frame.Reader
	writer  *frame.Writer
	drainer *Drainer
	stack   *stratum.ChannelStack

	prefaceReceived bool
	prefaceStart    time.Time

	mu           sync.Mutex
	streams      map[uint32]*pendingStream
	continuation uint32
	closed       bool
}

func newConn(c gnet.Conn, s *Server) (*Conn, error) {
	conn := &Conn{
		gc:           c,
		server:       s,
		logger:       s.logger,
		buffer:       new(bytes.Buffer),
		streams:      make(map[uint32]*pendingStream),
		prefaceStart: time.Now(),
	}
	conn.writer = frame.NewWriter(&asyncWriter{conn: c})
	conn.drainer = NewDrainer(conn.writer, s.cfg.DrainTimeout, s.logger)

	// User filters sit above the codec so anything they append to the send
	// metadata still makes it into the encoded header block.
	filters := make([]*stratum.Filter, 0, len(s.cfg.Filters)+2)
	filters = append(filters, s.cfg.Filters...)
	filters = append(filters, codec.NewFilter())
	filters = append(filters, conn.wireFilter())

	stack, err := stratum.NewChannelStack(filters, stratum.StackOptions{
		Name:   "h2:" + c.RemoteAddr().String(),
		Logger: s.logger,
	})
	if err != nil {
		if stack != nil {
			stack.Unref()
		}
		return nil, fmt.Errorf("pipeline init: %w", err)
	}
	conn.stack = stack
	return conn, nil
}

// wireFilter is the last pipeline element: it writes outbound batches to
// the wire and owns the connection-level drain and disconnect operations.
func (c *Conn) wireFilter() *stratum.Filter {
	return &stratum.Filter{
		Name:          "h2-wire",
		CallStateSize: 8,

		InitCall: func(elem *stratum.CallElement, args *stratum.CallArgs) error {
			id, _ := args.Context.Value(streamIDKey{}).(uint32)
			if id == 0 {
				return fmt.Errorf("h2-wire: call without stream id")
			}
			putStreamID(elem.CallData, id)
			return nil
		},

		StartStreamOp: func(elem *stratum.CallElement, batch *stratum.StreamOpBatch) {
			id := getStreamID(elem.CallData)
			if batch.Cancel != nil {
				_ = c.writer.WriteRSTStream(id, http2.ErrCodeCancel)
				_ = c.writer.Flush()
				batch.Complete(batch.Cancel)
				return
			}
			if batch.HeaderBlock != nil && batch.RecvInitialMetadata == nil {
				endStream := len(batch.SendMessage) == 0
				if err := c.writer.WriteHeaders(id, endStream, batch.HeaderBlock, frame.DefaultMaxFrameSize); err != nil {
					batch.Complete(err)
					return
				}
				if !endStream {
					if err := c.writer.WriteData(id, true, batch.SendMessage); err != nil {
						batch.Complete(err)
						return
					}
				}
				if err := c.writer.Flush(); err != nil {
					batch.Complete(err)
					return
				}
				batch.Complete(nil)
				return
			}
			// Receive batches terminate here; upstream filters already
			// populated the Recv fields.
			batch.Complete(nil)
		},

		// Terminal element: nothing to report, and forwarding past the last
		// element is not permitted.
		GetInfo: func(elem *stratum.ChannelElement, info *stratum.ChannelInfo) {},

		StartTransportOp: func(elem *stratum.ChannelElement, op *stratum.TransportOp) {
			if op.Disconnect != nil {
				c.drainer.CloseImmediately()
				_ = c.gc.Close()
			} else if op.StartDrain {
				c.drainer.BeginDrain()
			}
			if op.OnComplete != nil {
				op.OnComplete(nil)
			}
		},

		DestroyCall: func(elem *stratum.CallElement, final *stratum.CallFinalInfo, then func()) {
			if then != nil {
				then()
			}
		},
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.streams = nil
	c.mu.Unlock()
	c.stack.Unref()
}

// handleData consumes bytes from the peer: first the client preface, then
// complete frames, one at a time.
func (c *Conn) handleData(ctx context.Context, data []byte) error {
	c.buffer.Write(data)

	if !c.prefaceReceived {
		if time.Since(c.prefaceStart) > time.Second && c.buffer.Len() > 0 {
			c.goAway(http2.ErrCodeProtocol, "preface timeout")
			_ = c.gc.Close()
			return nil
		}
		if c.buffer.Len() < len(http2Preface) {
			// Reject early on a diverging prefix instead of waiting for
			// the full preface length.
			if !bytes.HasPrefix([]byte(http2Preface), c.buffer.Bytes()) {
				c.goAway(http2.ErrCodeProtocol, "invalid connection preface")
				time.AfterFunc(5*time.Millisecond, func() { _ = c.gc.Close() })
			}
			return nil
		}
		preface := make([]byte, len(http2Preface))
		_, _ = c.buffer.Read(preface)
		if string(preface) != http2Preface {
			c.goAway(http2.ErrCodeProtocol, "invalid connection preface")
			time.AfterFunc(5*time.Millisecond, func() { _ = c.gc.Close() })
			return nil
		}
		c.prefaceReceived = true
		if err := c.sendServerPreface(); err != nil {
			return fmt.Errorf("server preface: %w", err)
		}
		// Let gnet flush SETTINGS before processing client frames.
		return nil
	}

	if c.reader == nil {
		c.reader = frame.NewReader(&bufferReader{buf: c.buffer})
	}

	for c.buffer.Len() >= 9 {
		header := c.buffer.Bytes()[:9]
		length := int(uint32(header[0])<<16 | uint32(header[1])<<8 | uint32(header[2]))
		if c.buffer.Len() < 9+length {
			break
		}

		f, err := c.reader.ReadFrame()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			if se, ok := err.(http2.StreamError); ok {
				_ = c.writer.WriteRSTStream(se.StreamID, se.Code)
				_ = c.writer.Flush()
				continue
			}
			if ce, ok := err.(http2.ConnectionError); ok {
				c.goAway(http2.ErrCode(ce), "frame parse error")
				return nil
			}
			c.goAway(http2.ErrCodeProtocol, "frame parse error")
			return nil
		}

		if err := c.handleFrame(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) handleFrame(ctx context.Context, f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		if !f.IsAck() {
			if err := c.writer.WriteSettingsAck(); err != nil {
				return err
			}
			return c.writer.Flush()
		}

	case *http2.PingFrame:
		if f.IsAck() {
			// Drain probe acks are consumed by the drainer; any other ack
			// belongs to nobody since the server sends no other pings.
			c.drainer.HandlePingAck(f.Data)
			return nil
		}
		if err := c.writer.WritePing(true, f.Data); err != nil {
			return err
		}
		return c.writer.Flush()

	case *http2.HeadersFrame:
		return c.onHeaders(ctx, f)

	case *http2.ContinuationFrame:
		return c.onContinuation(ctx, f)

	case *http2.DataFrame:
		return c.onData(ctx, f)

	case *http2.RSTStreamFrame:
		c.mu.Lock()
		if c.streams != nil {
			delete(c.streams, f.StreamID)
		}
		c.mu.Unlock()

	case *http2.GoAwayFrame:
		if verboseLogging {
			c.logger.Printf("peer GOAWAY: last=%d code=%v", f.LastStreamID, f.ErrCode)
		}

	case *http2.WindowUpdateFrame, *http2.PriorityFrame:
		// Flow control and priority are handled by the framer defaults.
	}
	return nil
}

func (c *Conn) onHeaders(ctx context.Context, f *http2.HeadersFrame) error {
	id := f.StreamID
	if !c.drainer.AcceptStream(id) {
		// Streams raced in after the final GOAWAY are dropped without an
		// error; the peer already knows the cutoff.
		return nil
	}

	c.mu.Lock()
	if c.streams == nil {
		c.mu.Unlock()
		return nil
	}
	if uint32(len(c.streams)) >= c.server.cfg.MaxConcurrentStreams {
		c.mu.Unlock()
		_ = c.writer.WriteRSTStream(id, http2.ErrCodeRefusedStream)
		return c.writer.Flush()
	}
	st := &pendingStream{id: id}
	st.headerBlock = append(st.headerBlock, f.HeaderBlockFragment()...)
	st.headersDone = f.HeadersEnded()
	st.streamEnded = f.StreamEnded()
	c.streams[id] = st
	if !st.headersDone {
		c.continuation = id
	}
	c.mu.Unlock()

	return c.maybeDispatch(ctx, st)
}

func (c *Conn) onContinuation(ctx context.Context, f *http2.ContinuationFrame) error {
	c.mu.Lock()
	st := c.streams[f.StreamID]
	if st == nil || c.continuation != f.StreamID {
		c.mu.Unlock()
		c.goAway(http2.ErrCodeProtocol, "unexpected CONTINUATION")
		return nil
	}
	st.headerBlock = append(st.headerBlock, f.HeaderBlockFragment()...)
	if f.HeadersEnded() {
		st.headersDone = true
		c.continuation = 0
	}
	c.mu.Unlock()

	return c.maybeDispatch(ctx, st)
}

func (c *Conn) onData(ctx context.Context, f *http2.DataFrame) error {
	c.mu.Lock()
	st := c.streams[f.StreamID]
	if st == nil {
		c.mu.Unlock()
		// Stream was never admitted (drain cutoff) or already finished.
		return nil
	}
	st.body = append(st.body, f.Data()...)
	if f.StreamEnded() {
		st.streamEnded = true
	}
	c.mu.Unlock()

	return c.maybeDispatch(ctx, st)
}

// maybeDispatch finishes a completed stream: the header block is expanded
// here, on the frame loop, then the handler runs on the stack's event loop.
// Blocks must be decoded in the order they arrived on the wire or the
// connection's shared dynamic table desynchronizes.
func (c *Conn) maybeDispatch(ctx context.Context, st *pendingStream) error {
	if !st.headersDone || !st.streamEnded {
		return nil
	}
	c.mu.Lock()
	if c.streams != nil {
		delete(c.streams, st.id)
	}
	c.mu.Unlock()

	ic, ok := c.receiveStream(ctx, st)
	if !ok {
		return nil
	}
	c.stack.EventLoop().Schedule(func() {
		c.respond(ic)
	})
	return nil
}

// inboundCall is one decoded request waiting for its handler.
type inboundCall struct {
	ctx   context.Context
	call  *stratum.CallStack
	start time.Time
	md    [][2]string
	body  []byte
}

// receiveStream walks the inbound batch up the pipeline synchronously,
// expanding the header block into metadata.
func (c *Conn) receiveStream(ctx context.Context, st *pendingStream) (*inboundCall, bool) {
	streamsAccepted.Inc()
	start := time.Now()
	ctx = context.WithValue(ctx, streamIDKey{}, st.id)

	call, err := c.stack.NewCallStack(&stratum.CallArgs{
		Context:   ctx,
		StartTime: start,
	})
	if err != nil {
		if call != nil {
			call.Destroy(&stratum.CallFinalInfo{Status: err}, nil)
		}
		return nil, false
	}

	ic := &inboundCall{ctx: ctx, call: call, start: start, body: st.body}
	var recvErr error
	call.StartOp(&stratum.StreamOpBatch{
		HeaderBlock:         st.headerBlock,
		RecvInitialMetadata: &ic.md,
		RecvMessage:         &ic.body,
		OnComplete:          func(err error) { recvErr = err },
	})
	if recvErr != nil {
		// Header block corruption desynchronizes the shared HPACK tables,
		// so it is a connection-level failure.
		c.goAway(http2.ErrCodeCompression, "header decode error")
		call.Destroy(&stratum.CallFinalInfo{Status: recvErr, Latency: time.Since(start)}, nil)
		if c.gc != nil {
			_ = c.gc.Close()
		}
		return nil, false
	}
	return ic, true
}

// respond runs the handler and walks the response down the pipeline.
func (c *Conn) respond(ic *inboundCall) {
	path := ""
	for _, h := range ic.md {
		if h[0] == ":path" {
			path = h[1]
			break
		}
	}

	respMD, respBody := c.server.handler(ic.ctx, path, ic.md, ic.body)
	if !hasStatus(respMD) {
		respMD = append([][2]string{{":status", "200"}}, respMD...)
	}

	var sendErr error
	ic.call.StartOp(&stratum.StreamOpBatch{
		SendInitialMetadata: respMD,
		SendMessage:         respBody,
		OnComplete:          func(err error) { sendErr = err },
	})
	ic.call.Destroy(&stratum.CallFinalInfo{Status: sendErr, Latency: time.Since(ic.start)}, nil)
}

// serveStream runs a completed stream end to end on the calling goroutine.
func (c *Conn) serveStream(ctx context.Context, st *pendingStream) {
	if ic, ok := c.receiveStream(ctx, st); ok {
		c.respond(ic)
	}
}

func hasStatus(md [][2]string) bool {
	for _, h := range md {
		if h[0] == ":status" {
			return true
		}
	}
	return false
}

// sendServerPreface sends the initial SETTINGS frame.
func (c *Conn) sendServerPreface() error {
	settings := []http2.Setting{
		{ID: http2.SettingHeaderTableSize, Val: 4096},
		{ID: http2.SettingMaxConcurrentStreams, Val: c.server.cfg.MaxConcurrentStreams},
		{ID: http2.SettingMaxFrameSize, Val: 65535},
		{ID: http2.SettingInitialWindowSize, Val: 1 << 20},
	}
	if err := c.writer.WriteSettings(settings...); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Conn) goAway(code http2.ErrCode, reason string) {
	_ = c.writer.WriteGoAway(c.drainer.LastAccepted(), code, []byte(reason))
	_ = c.writer.Flush()
}

// bufferReader drains the connection's receive buffer as the framer reads.
// An empty buffer reports ErrUnexpectedEOF so the framer never concludes a
// header block ended early.
type bufferReader struct {
	buf *bytes.Buffer
}

func (br *bufferReader) Read(p []byte) (int, error) {
	if br.buf.Len() == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := copy(p, br.buf.Bytes())
	br.buf.Next(n)
	return n, nil
}

// asyncWriter batches outbound bytes and hands them to gnet asynchronously
// on Flush. frame.Writer serializes writes, so pending only needs a mutex
// against the flush path.
type asyncWriter struct {
	conn gnet.Conn

	mu      sync.Mutex
	pending []byte
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.pending = append(w.pending, p...)
	w.mu.Unlock()
	return len(p), nil
}

func (w *asyncWriter) Flush() error {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()
	return w.conn.AsyncWrite(batch, nil)
}
