package stratum

// ElementInfo describes one pipeline element for introspection tooling.
type ElementInfo struct {
	Name            string `json:"name"`
	ChannelDataSize int    `json:"channel_data_size"`
	CallDataSize    int    `json:"call_data_size"`
}

// StackSnapshot is a structured view of a channel stack's pipeline shape.
type StackSnapshot struct {
	Name          string        `json:"name"`
	CallStackSize int           `json:"call_stack_size"`
	Elements      []ElementInfo `json:"elements"`
}

// DataSink receives named structured diagnostic values from a pull-based
// introspection query.
type DataSink interface {
	AddData(name string, value any)
}

// Snapshot returns the pipeline shape: each filter's name and state sizes.
// It is recomputed fully on each query and must not be called on a hot
// path. Returns ErrStackDestroyed after teardown.
func (cs *ChannelStack) Snapshot() (*StackSnapshot, error) {
	if cs.destroyed.Load() {
		return nil, ErrStackDestroyed
	}
	snap := &StackSnapshot{
		Name:          cs.name,
		CallStackSize: cs.callLayout.total,
		Elements:      make([]ElementInfo, len(cs.elems)),
	}
	for i := range cs.elems {
		f := cs.elems[i].Filter
		snap.Elements[i] = ElementInfo{
			Name:            f.Name,
			ChannelDataSize: f.ChannelStateSize,
			CallDataSize:    f.CallStateSize,
		}
	}
	return snap, nil
}

// AddData pushes the stack's snapshot into an introspection sink under the
// "channel_stack" key.
func (cs *ChannelStack) AddData(sink DataSink) {
	snap, err := cs.Snapshot()
	if err != nil {
		return
	}
	sink.AddData("channel_stack", snap)
}
