package transport

import (
	"context"
	"crypto/rand"
	"log"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/albertbausili/stratum/internal/h2/frame"
)

// DefaultDrainTimeout bounds how long the drain probe waits for its PING
// acknowledgment before assuming the peer saw the first GOAWAY anyway.
const DefaultDrainTimeout = 2 * time.Second

// Drainer runs the graceful shutdown handshake for one connection.
//
// The handshake sends two GOAWAY frames. The first advertises the maximum
// stream id together with a PING probe: the peer may keep opening streams,
// but once the PING acknowledgment (or a timeout) proves the peer has seen
// the first GOAWAY, a second GOAWAY pins the true highest accepted stream
// id. Streams the peer raced in above that id are silently ignored rather
// than rejected with an error.
type Drainer struct {
	writer  *frame.Writer
	timeout time.Duration
	logger  *log.Logger

	mu           sync.Mutex
	draining     bool
	finalSent    bool
	lastAccepted uint32
	advertised   uint32
	probe        [8]byte
	timer        *time.Timer
	done         chan struct{}
}

// NewDrainer creates a drainer writing its frames through w. A zero timeout
// selects DefaultDrainTimeout.
func NewDrainer(w *frame.Writer, timeout time.Duration, logger *log.Logger) *Drainer {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	return &Drainer{
		writer:  w,
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// AcceptStream records an inbound stream id and reports whether the stream
// may be processed. Before the final GOAWAY every stream is accepted, even
// mid-drain; afterwards only ids at or below the advertised limit are.
func (d *Drainer) AcceptStream(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalSent {
		if id > d.advertised {
			streamsIgnoredDraining.Inc()
			return false
		}
		return true
	}
	if id > d.lastAccepted {
		d.lastAccepted = id
	}
	return true
}

// LastAccepted returns the highest stream id accepted so far.
func (d *Drainer) LastAccepted() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAccepted
}

// BeginDrain starts the handshake: GOAWAY with the maximum stream id, then
// a PING probe. Safe to call more than once; only the first call acts.
func (d *Drainer) BeginDrain() {
	d.mu.Lock()
	if d.draining || d.finalSent {
		d.mu.Unlock()
		return
	}
	d.draining = true
	if _, err := rand.Read(d.probe[:]); err != nil {
		// Fall back to a fixed probe; uniqueness only disambiguates
		// concurrent application pings.
		copy(d.probe[:], "drainpng")
	}
	probe := d.probe
	d.timer = time.AfterFunc(d.timeout, d.onProbeTimeout)
	d.mu.Unlock()

	drainsStarted.Inc()
	if err := d.writer.WriteGoAway(frame.MaxStreamID, http2.ErrCodeNo, []byte("graceful shutdown")); err != nil {
		d.logger.Printf("drain: first GOAWAY failed: %v", err)
	}
	if err := d.writer.WritePing(false, probe); err != nil {
		d.logger.Printf("drain: probe PING failed: %v", err)
	}
	_ = d.writer.Flush()
}

// HandlePingAck consumes a PING acknowledgment. It reports whether the ack
// belonged to the drain probe; unrelated acks are left to the caller.
func (d *Drainer) HandlePingAck(data [8]byte) bool {
	d.mu.Lock()
	if !d.draining || d.finalSent || data != d.probe {
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()
	d.finish("ping ack")
	return true
}

func (d *Drainer) onProbeTimeout() {
	d.mu.Lock()
	if !d.draining || d.finalSent {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.finish("probe timeout")
}

// finish sends the final GOAWAY carrying the true highest accepted stream
// id and releases waiters. Runs at most once.
func (d *Drainer) finish(reason string) {
	d.mu.Lock()
	if d.finalSent {
		d.mu.Unlock()
		return
	}
	d.finalSent = true
	d.advertised = d.lastAccepted
	last := d.lastAccepted
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	if err := d.writer.WriteGoAway(last, http2.ErrCodeNo, []byte("graceful shutdown")); err != nil {
		d.logger.Printf("drain: final GOAWAY failed: %v", err)
	}
	_ = d.writer.Flush()
	d.logger.Printf("drain: final GOAWAY sent (%s), last stream %d", reason, last)
	drainsCompleted.Inc()
	close(d.done)
}

// CloseImmediately aborts the handshake with a single GOAWAY naming stream
// zero, telling the peer every open stream is cancelled.
func (d *Drainer) CloseImmediately() {
	d.mu.Lock()
	if d.finalSent {
		d.mu.Unlock()
		return
	}
	d.finalSent = true
	d.advertised = 0
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	if err := d.writer.WriteGoAway(0, http2.ErrCodeCancel, []byte("forced shutdown")); err != nil {
		d.logger.Printf("drain: forced GOAWAY failed: %v", err)
	}
	_ = d.writer.Flush()
	close(d.done)
}

// Done is closed once the final (or forced) GOAWAY has been written.
func (d *Drainer) Done() <-chan struct{} { return d.done }

// Drain runs the full handshake, returning when the final GOAWAY is out or
// the context expires.
func (d *Drainer) Drain(ctx context.Context) error {
	d.BeginDrain()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
