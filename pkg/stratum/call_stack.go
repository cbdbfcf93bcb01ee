package stratum

import (
	"time"
)

// CallStack is the per-RPC instantiation of a channel stack's filter
// sequence. Each element pairs the shared channel-state region with a
// private call-state region. A call stack is owned by exactly one RPC and
// traversed by at most one active operation at a time; creation and
// destruction happen far more often than for channel stacks and take no
// channel-level locks.
type CallStack struct {
	channel *ChannelStack
	elems   []CallElement
	arena   *arena
	started time.Time
}

// NewCallStack instantiates a call stack by replaying the channel stack's
// filter sequence. The allocation size was precomputed at channel-stack
// construction. Wiring and init are two separate forward passes: a
// filter's InitCall may read the channel/call-state regions of filters
// ahead of it in the pipeline, so every element is wired before any init
// logic runs. As with channel construction, init continues past the first
// error and the first error is returned alongside a usable stack.
func (cs *ChannelStack) NewCallStack(args *CallArgs) (*CallStack, error) {
	if cs.destroyed.Load() {
		return nil, ErrStackDestroyed
	}
	cs.Ref()

	call := &CallStack{
		channel: cs,
		elems:   make([]CallElement, len(cs.elems)),
		arena:   newArena(cs.callLayout),
		started: args.StartTime,
	}
	if call.started.IsZero() {
		call.started = time.Now()
	}

	// Pass 1: wire filter, shared channel state and private call state.
	// No filter code runs here.
	for i := range cs.elems {
		call.elems[i] = CallElement{
			Filter:      cs.elems[i].Filter,
			ChannelData: cs.elems[i].ChannelData,
			CallData:    call.arena.region(i),
			stack:       call,
			index:       i,
		}
	}

	// Pass 2: per-filter init, collecting but not aborting on error.
	var firstErr error
	for i := range call.elems {
		f := call.elems[i].Filter
		if f.InitCall == nil {
			continue
		}
		if err := f.InitCall(&call.elems[i], args); err != nil {
			callInitErrors.Inc()
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	callStacksStarted.Inc()
	return call, firstErr
}

// Channel returns the channel stack this call was built from.
func (call *CallStack) Channel() *ChannelStack { return call.channel }

// Len returns the number of elements in the pipeline.
func (call *CallStack) Len() int { return len(call.elems) }

// Element returns the pipeline element at index i.
func (call *CallStack) Element(i int) *CallElement { return &call.elems[i] }

// StartOp injects a stream op batch at the first element of the pipeline.
func (call *CallStack) StartOp(batch *StreamOpBatch) {
	startStreamOp(&call.elems[0], batch)
}

// SetPollent walks the pipeline binding every filter to the call's polling
// context.
func (call *CallStack) SetPollent(pollent *Pollent) {
	for i := range call.elems {
		if sp := call.elems[i].Filter.SetPollent; sp != nil {
			sp(&call.elems[i], pollent)
		}
	}
}

// Destroy invokes each filter's call-destroy in forward order. The last
// element alone receives the caller's continuation, the single hand-off
// point for "call stack is now fully destroyed"; if the last filter has no
// destroy hook the continuation is scheduled on the channel's event loop.
func (call *CallStack) Destroy(final *CallFinalInfo, then func()) {
	last := len(call.elems) - 1
	for i := range call.elems {
		d := call.elems[i].Filter.DestroyCall
		if i == last {
			if d != nil {
				d(&call.elems[i], final, then)
			} else if then != nil {
				call.channel.eventLoop.Schedule(then)
			}
			break
		}
		if d != nil {
			d(&call.elems[i], final, nil)
		}
	}

	callStacksFinished.Inc()
	callDuration.Observe(time.Since(call.started).Seconds())
	call.channel.Unref()
}
