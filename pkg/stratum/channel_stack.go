package stratum

import (
	"errors"
	"io"
	"log"
	"sync/atomic"
)

// ErrStackDestroyed is returned when a destroyed channel stack is queried
// or asked to create call stacks.
var ErrStackDestroyed = errors.New("stratum: channel stack destroyed")

// ErrNoFilters is returned when a channel stack is built from an empty
// filter sequence. Op injection and call destruction assume at least one
// element.
var ErrNoFilters = errors.New("stratum: channel stack requires at least one filter")

// newSilentLogger creates a silent logger that discards all output.
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// StackOptions configures construction of a channel stack.
type StackOptions struct {
	// Name identifies the stack in logs and diagnostics.
	Name string
	// Args is the channel's construction argument set, visible to every
	// filter's InitChannel.
	Args map[string]any
	// EventLoop is the ambient scheduler shared by the stack. Defaults to
	// one goroutine per scheduled closure.
	EventLoop EventLoop
	// OnDestroy fires after every filter's channel-destroy has run.
	OnDestroy func()
	// Blackboard optionally carries reusable cross-filter state from a
	// prior stack generation.
	Blackboard *Blackboard
	// InitialRefs is the starting reference count (default 1).
	InitialRefs int32
	// Logger for stack events. Defaults to a silent logger.
	Logger *log.Logger
}

func (o *StackOptions) validate() {
	if o.Name == "" {
		o.Name = "channel"
	}
	if o.EventLoop == nil {
		o.EventLoop = goroutineLoop{}
	}
	if o.OnDestroy == nil {
		o.OnDestroy = func() {}
	}
	if o.InitialRefs <= 0 {
		o.InitialRefs = 1
	}
	if o.Logger == nil {
		o.Logger = newSilentLogger()
	}
}

// ChannelStack is the shared, per-connection instantiation of an ordered
// filter sequence. It owns each filter's channel-state region, a destroy
// callback, and the ambient event loop. Channel stacks are shared across
// many concurrently executing call stacks; the engine performs no locking
// around channel-state access during operation dispatch, so filters that
// mutate channel state after init must synchronize privately.
type ChannelStack struct {
	name   string
	logger *log.Logger

	elems []ChannelElement
	arena *arena

	// Precomputed per-call layout so call-stack creation is a single sized
	// allocation with no further layout computation.
	callLayout stateLayout

	refs      atomic.Int32
	destroyed atomic.Bool
	onDestroy func()
	eventLoop EventLoop
	args      map[string]any
}

// ChannelStackSize returns the exact arena size required for the given
// filter sequence: the sum of each filter's channel-state size rounded up
// to the alignment boundary.
func ChannelStackSize(filters []*Filter) int {
	size := 0
	for _, f := range filters {
		size += roundUp(f.ChannelStateSize)
	}
	return size
}

// NewChannelStack builds a channel stack from an ordered filter sequence.
//
// Every filter's InitChannel runs in forward order even after one fails;
// the first error encountered is returned alongside a fully constructed,
// ref-counted stack so destruction can run uniformly over all filters. A
// filter must tolerate its InitChannel being called after an earlier
// filter's failed. An empty filter sequence is rejected with ErrNoFilters
// and no stack.
func NewChannelStack(filters []*Filter, opts StackOptions) (*ChannelStack, error) {
	if len(filters) == 0 {
		return nil, ErrNoFilters
	}
	opts.validate()

	if traceOps {
		opts.Logger.Printf("CHANNEL_STACK: init %s", opts.Name)
		for _, f := range filters {
			opts.Logger.Printf("CHANNEL_STACK:   filter %s", f.Name)
		}
	}

	channelSizes := make([]int, len(filters))
	callSizes := make([]int, len(filters))
	for i, f := range filters {
		channelSizes[i] = f.ChannelStateSize
		callSizes[i] = f.CallStateSize
	}
	layout := layoutFor(channelSizes)

	stack := &ChannelStack{
		name:       opts.Name,
		logger:     opts.Logger,
		elems:      make([]ChannelElement, len(filters)),
		arena:      newArena(layout),
		callLayout: layoutFor(callSizes),
		onDestroy:  opts.OnDestroy,
		eventLoop:  opts.EventLoop,
		args:       opts.Args,
	}
	stack.refs.Store(opts.InitialRefs)

	// Bind every element before any filter code runs.
	off := 0
	for i, f := range filters {
		stack.elems[i] = ChannelElement{
			Filter:      f,
			ChannelData: stack.arena.region(i),
			stack:       stack,
			index:       i,
		}
		off += roundUp(f.ChannelStateSize)
	}
	// The offset reached after laying out all filters must exactly equal
	// the declared stack size. A mismatch is an unrecoverable programming
	// defect, not an operational failure.
	if off != stack.arena.size() || off != ChannelStackSize(filters) {
		panic("stratum: channel stack layout size mismatch")
	}

	args := &ChannelArgs{
		Stack:      stack,
		Args:       opts.Args,
		Blackboard: opts.Blackboard,
	}
	var firstErr error
	for i := range stack.elems {
		args.IsFirst = i == 0
		args.IsLast = i == len(stack.elems)-1
		f := stack.elems[i].Filter
		if f.InitChannel == nil {
			continue
		}
		if err := f.InitChannel(&stack.elems[i], args); err != nil {
			channelInitErrors.Inc()
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	channelStacksBuilt.Inc()
	return stack, firstErr
}

// Name returns the stack's diagnostic name.
func (cs *ChannelStack) Name() string { return cs.name }

// Len returns the number of elements in the pipeline.
func (cs *ChannelStack) Len() int { return len(cs.elems) }

// Element returns the pipeline element at index i.
func (cs *ChannelStack) Element(i int) *ChannelElement { return &cs.elems[i] }

// LastElement returns the final pipeline element.
func (cs *ChannelStack) LastElement() *ChannelElement {
	return &cs.elems[len(cs.elems)-1]
}

// EventLoop returns the stack's ambient scheduler.
func (cs *ChannelStack) EventLoop() EventLoop { return cs.eventLoop }

// Logger returns the stack's logger.
func (cs *ChannelStack) Logger() *log.Logger { return cs.logger }

// Args returns the channel's construction argument set.
func (cs *ChannelStack) Args() map[string]any { return cs.args }

// CallStackSize returns the precomputed per-call allocation size.
func (cs *ChannelStack) CallStackSize() int { return cs.callLayout.total }

// FilterInstanceNumber returns the ordinal of elem among instances of the
// same filter descriptor within its stack.
func FilterInstanceNumber(cs *ChannelStack, elem *ChannelElement) int {
	n := 0
	for i := range cs.elems {
		e := &cs.elems[i]
		if e == elem {
			break
		}
		if e.Filter == elem.Filter {
			n++
		}
	}
	return n
}

// StartOp injects a transport op at the first element of the pipeline.
func (cs *ChannelStack) StartOp(op *TransportOp) {
	startTransportOp(&cs.elems[0], op)
}

// GetInfo injects a get-info query at the first element of the pipeline.
func (cs *ChannelStack) GetInfo(info *ChannelInfo) {
	getInfo(&cs.elems[0], info)
}

// Ref increments the stack's reference count.
func (cs *ChannelStack) Ref() {
	cs.refs.Add(1)
}

// Unref decrements the stack's reference count, destroying the stack when
// it reaches zero. Destruction may therefore happen asynchronously after
// all calls drain.
func (cs *ChannelStack) Unref() {
	if cs.refs.Add(-1) == 0 {
		cs.destroy()
	}
}

// destroy invokes each filter's channel-destroy in forward order, fires the
// registered destroy callback, then releases the ambient resources.
func (cs *ChannelStack) destroy() {
	if !cs.destroyed.CompareAndSwap(false, true) {
		panic("stratum: channel stack destroyed twice")
	}
	for i := range cs.elems {
		if d := cs.elems[i].Filter.DestroyChannel; d != nil {
			d(&cs.elems[i])
		}
	}
	cs.onDestroy()
	cs.eventLoop = nil
	cs.elems = nil
	cs.arena = nil
	channelStacksDestroyed.Inc()
}

// Destroyed reports whether the stack has been torn down.
func (cs *ChannelStack) Destroyed() bool { return cs.destroyed.Load() }
