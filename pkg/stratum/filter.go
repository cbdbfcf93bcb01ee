// Package stratum implements the filter pipeline every channel (connection)
// and call (RPC) of the transport is built from. A Filter is a stateless
// descriptor; a ChannelStack binds an ordered sequence of filters into one
// contiguous state allocation shared by all calls on a channel; a CallStack
// is the per-RPC instantiation mirroring the channel stack's filter order.
package stratum

import (
	"context"
	"sync"
	"time"
)

// traceOps controls hot-path logging of operation dispatch.
// Keep false for production runs to avoid performance overhead.
const traceOps = false

// debugChecks enables bounds checking on cursor forwarding. Forwarding from
// the last element is a programming error; with checks off it surfaces as a
// slice bounds panic instead of a descriptive one.
const debugChecks = true

// Filter is a stateless descriptor declaring per-channel and per-call state
// sizes and the operations a filter implements. Identity is by descriptor
// reference; multiple instances of the same descriptor may appear in one
// pipeline.
//
// Nil InitChannel, DestroyChannel, InitCall, DestroyCall, SetPollent and
// GetInfo hooks are no-ops. Nil StartStreamOp / StartTransportOp hooks
// forward the operation unchanged; the last filter in a pipeline must
// therefore implement its op hooks, since forwarding past the last element
// is not permitted.
type Filter struct {
	Name string

	// ChannelStateSize and CallStateSize declare the fixed sizes of this
	// filter's state regions within the stack arenas.
	ChannelStateSize int
	CallStateSize    int

	InitChannel    func(elem *ChannelElement, args *ChannelArgs) error
	DestroyChannel func(elem *ChannelElement)

	InitCall func(elem *CallElement, args *CallArgs) error
	// DestroyCall tears down per-call state. The continuation is non-nil
	// only for the last element of a call stack; it must be scheduled once
	// all teardown logic has run.
	DestroyCall func(elem *CallElement, final *CallFinalInfo, then func())

	StartStreamOp    func(elem *CallElement, batch *StreamOpBatch)
	StartTransportOp func(elem *ChannelElement, op *TransportOp)

	SetPollent func(elem *CallElement, pollent *Pollent)
	GetInfo    func(elem *ChannelElement, info *ChannelInfo)
}

// ChannelElement is one slot of a channel stack: the filter descriptor plus
// its channel-state region. The next element is always index+1 in the
// owning stack; there is no stored link.
type ChannelElement struct {
	Filter      *Filter
	ChannelData []byte

	stack *ChannelStack
	index int
}

// Stack returns the channel stack owning this element.
func (e *ChannelElement) Stack() *ChannelStack { return e.stack }

// Index returns this element's position in the pipeline.
func (e *ChannelElement) Index() int { return e.index }

// CallElement is one slot of a call stack. ChannelData aliases the
// corresponding channel element's region (shared, not copied); CallData is
// private to this call.
type CallElement struct {
	Filter      *Filter
	ChannelData []byte
	CallData    []byte

	stack *CallStack
	index int
}

// Stack returns the call stack owning this element.
func (e *CallElement) Stack() *CallStack { return e.stack }

// Index returns this element's position in the pipeline.
func (e *CallElement) Index() int { return e.index }

// ChannelArgs carries construction arguments to InitChannel. Later filters
// observe channel state already written by earlier ones: init runs in
// forward order over a fully wired element array.
type ChannelArgs struct {
	Stack *ChannelStack
	// Args is the channel's construction argument set.
	Args map[string]any
	// IsFirst and IsLast mark pipeline boundary positions; they are passed
	// once at construction so filters can special-case boundary behavior.
	IsFirst bool
	IsLast  bool
	// Blackboard optionally carries reusable cross-filter state from a
	// prior stack generation.
	Blackboard *Blackboard
}

// CallArgs carries construction arguments to InitCall.
type CallArgs struct {
	Context   context.Context
	Path      string
	StartTime time.Time
	Deadline  time.Time
	Pollent   *Pollent
}

// CallFinalInfo summarizes a finished call for DestroyCall hooks.
type CallFinalInfo struct {
	Status  error
	Latency time.Duration
}

// ChannelInfo is filled in by GetInfo hooks walking the channel pipeline.
type ChannelInfo struct {
	LBPolicyName      *string
	ServiceConfigJSON *string
}

// Pollent identifies the event-loop context a call's I/O is serviced on.
type Pollent struct {
	Loop EventLoop
}

// StreamOpBatch is a per-call operation walked element-by-element through a
// call stack. Filters inspect or transform the batch and forward it, or
// terminate it by completing it without forwarding.
type StreamOpBatch struct {
	SendInitialMetadata  [][2]string
	SendMessage          []byte
	SendTrailingMetadata [][2]string

	RecvInitialMetadata  *[][2]string
	RecvMessage          *[]byte
	RecvTrailingMetadata *[][2]string

	// HeaderBlock stages the wire form of header metadata between the
	// codec filter and the transport.
	HeaderBlock []byte

	// Cancel, when non-nil, aborts the call with the given error.
	Cancel error

	OnComplete func(error)
}

// Complete invokes the batch's completion callback, if any.
func (b *StreamOpBatch) Complete(err error) {
	if b.OnComplete != nil {
		b.OnComplete(err)
	}
}

// TransportOp is a channel-level operation walked through a channel stack.
type TransportOp struct {
	// StartDrain asks the transport to begin graceful connection drain.
	StartDrain bool
	// Disconnect, when non-nil, forces immediate connection teardown.
	Disconnect error

	OnComplete func(error)
}

// EventLoop schedules closures onto the ambient event engine shared by a
// channel stack. Filters needing asynchrony run their continuations here;
// the engine itself never blocks.
type EventLoop interface {
	Schedule(fn func())
}

// goroutineLoop is the default EventLoop: each closure runs on its own
// goroutine.
type goroutineLoop struct{}

func (goroutineLoop) Schedule(fn func()) { go fn() }

// Blackboard is a keyed store of reusable cross-filter state handed from
// one stack generation to the next at construction time.
type Blackboard struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewBlackboard returns an empty blackboard.
func NewBlackboard() *Blackboard {
	return &Blackboard{m: make(map[string]any)}
}

// Get returns the value stored under key.
func (b *Blackboard) Get(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	return v, ok
}

// Set stores value under key.
func (b *Blackboard) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = value
}

// CallNextOp forwards a stream op batch to the element after elem. Must not
// be called from the last element of a call stack.
func CallNextOp(elem *CallElement, batch *StreamOpBatch) {
	if debugChecks && elem.index+1 >= len(elem.stack.elems) {
		panic("stratum: CallNextOp from last call element")
	}
	next := &elem.stack.elems[elem.index+1]
	if traceOps {
		elem.stack.channel.logger.Printf("OP[%s:%d] -> %s", elem.Filter.Name, elem.index, next.Filter.Name)
	}
	startStreamOp(next, batch)
}

// ChannelNextOp forwards a transport op to the element after elem. Must not
// be called from the last element of a channel stack.
func ChannelNextOp(elem *ChannelElement, op *TransportOp) {
	if debugChecks && elem.index+1 >= len(elem.stack.elems) {
		panic("stratum: ChannelNextOp from last channel element")
	}
	startTransportOp(&elem.stack.elems[elem.index+1], op)
}

// ChannelNextGetInfo forwards a get-info query to the element after elem.
func ChannelNextGetInfo(elem *ChannelElement, info *ChannelInfo) {
	if debugChecks && elem.index+1 >= len(elem.stack.elems) {
		panic("stratum: ChannelNextGetInfo from last channel element")
	}
	getInfo(&elem.stack.elems[elem.index+1], info)
}

// startStreamOp dispatches a batch to elem, forwarding when the filter
// declares no op hook.
func startStreamOp(elem *CallElement, batch *StreamOpBatch) {
	if elem.Filter.StartStreamOp != nil {
		elem.Filter.StartStreamOp(elem, batch)
		return
	}
	CallNextOp(elem, batch)
}

func startTransportOp(elem *ChannelElement, op *TransportOp) {
	if elem.Filter.StartTransportOp != nil {
		elem.Filter.StartTransportOp(elem, op)
		return
	}
	ChannelNextOp(elem, op)
}

func getInfo(elem *ChannelElement, info *ChannelInfo) {
	if elem.Filter.GetInfo != nil {
		elem.Filter.GetInfo(elem, info)
		return
	}
	ChannelNextGetInfo(elem, info)
}
