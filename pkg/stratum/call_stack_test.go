package stratum

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestChannelStack(t *testing.T, filters []*Filter) *ChannelStack {
	t.Helper()
	stack, err := NewChannelStack(filters, StackOptions{Name: "test"})
	if err != nil {
		t.Fatalf("NewChannelStack() error = %v", err)
	}
	t.Cleanup(stack.Unref)
	return stack
}

func TestNewCallStack_SharesChannelData(t *testing.T) {
	filters := []*Filter{
		{Name: "a", ChannelStateSize: 16, CallStateSize: 8},
		{Name: "b", ChannelStateSize: 32, CallStateSize: 0},
	}
	stack := newTestChannelStack(t, filters)

	call, err := stack.NewCallStack(&CallArgs{Context: context.Background(), Path: "/svc/method"})
	if err != nil {
		t.Fatalf("NewCallStack() error = %v", err)
	}
	defer call.Destroy(&CallFinalInfo{}, nil)

	for i := 0; i < call.Len(); i++ {
		ce := call.Element(i)
		che := stack.Element(i)
		if ce.Filter != che.Filter {
			t.Errorf("element %d filter mismatch", i)
		}
		// Channel state is shared, not copied: same backing array.
		if len(che.ChannelData) > 0 && &ce.ChannelData[0] != &che.ChannelData[0] {
			t.Errorf("element %d channel data copied instead of shared", i)
		}
	}

	if got, want := call.Element(0).CallData, 8; len(got) != want {
		t.Errorf("element 0 call data len = %d, want %d", len(got), want)
	}
	if call.Element(1).CallData != nil {
		t.Error("element 1 call data should be nil for zero-sized state")
	}
}

func TestNewCallStack_TwoPassInit(t *testing.T) {
	// The first filter's init reads the call state of the filter after it,
	// which must already be wired before any init logic runs.
	probe := &Filter{
		Name:          "probe",
		CallStateSize: 4,
	}
	probe.InitCall = func(elem *CallElement, _ *CallArgs) error {
		next := elem.Stack().Element(elem.Index() + 1)
		if next.CallData == nil || len(next.CallData) != 8 {
			return errors.New("later element not wired during init")
		}
		return nil
	}
	stack := newTestChannelStack(t, []*Filter{probe, {Name: "tail", CallStateSize: 8}})

	call, err := stack.NewCallStack(&CallArgs{Context: context.Background()})
	if err != nil {
		t.Fatalf("NewCallStack() error = %v", err)
	}
	call.Destroy(&CallFinalInfo{}, nil)
}

func TestNewCallStack_ContinuesPastFirstError(t *testing.T) {
	errFirst := errors.New("first init error")
	var inited []string
	mk := func(name string, initErr error) *Filter {
		return &Filter{
			Name: name,
			InitCall: func(*CallElement, *CallArgs) error {
				inited = append(inited, name)
				return initErr
			},
		}
	}
	stack := newTestChannelStack(t, []*Filter{
		mk("a", errFirst), mk("b", errors.New("second")), mk("c", nil),
	})

	call, err := stack.NewCallStack(&CallArgs{Context: context.Background()})
	if !errors.Is(err, errFirst) {
		t.Errorf("NewCallStack() error = %v, want first error %v", err, errFirst)
	}
	if call == nil {
		t.Fatal("NewCallStack() returned nil call stack on init error")
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, inited); diff != "" {
		t.Errorf("init set mismatch (-want +got):\n%s", diff)
	}
	call.Destroy(&CallFinalInfo{Status: errFirst}, nil)
}

func TestCallStack_DestroyContinuationOnLastElementOnly(t *testing.T) {
	type destroyRecord struct {
		name    string
		hasCont bool
	}
	var records []destroyRecord
	mk := func(name string) *Filter {
		return &Filter{
			Name: name,
			DestroyCall: func(elem *CallElement, _ *CallFinalInfo, then func()) {
				records = append(records, destroyRecord{name, then != nil})
				if then != nil {
					then()
				}
			},
		}
	}
	stack := newTestChannelStack(t, []*Filter{mk("a"), mk("b"), mk("c")})

	call, err := stack.NewCallStack(&CallArgs{Context: context.Background()})
	if err != nil {
		t.Fatalf("NewCallStack() error = %v", err)
	}

	fired := false
	call.Destroy(&CallFinalInfo{Latency: time.Millisecond}, func() { fired = true })

	want := []destroyRecord{{"a", false}, {"b", false}, {"c", true}}
	if diff := cmp.Diff(want, records, cmp.AllowUnexported(destroyRecord{})); diff != "" {
		t.Errorf("destroy records mismatch (-want +got):\n%s", diff)
	}
	if !fired {
		t.Error("destroy continuation never fired")
	}
}

func TestCallStack_DestroyContinuationScheduledWhenLastHookMissing(t *testing.T) {
	stack := newTestChannelStack(t, []*Filter{{Name: "plain"}})

	call, err := stack.NewCallStack(&CallArgs{Context: context.Background()})
	if err != nil {
		t.Fatalf("NewCallStack() error = %v", err)
	}

	fired := make(chan struct{})
	call.Destroy(&CallFinalInfo{}, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("continuation not scheduled within 1s")
	}
}

func TestCallStack_HoldsChannelRef(t *testing.T) {
	destroyed := false
	f := &Filter{Name: "f", DestroyChannel: func(*ChannelElement) { destroyed = true }}
	stack, err := NewChannelStack([]*Filter{f}, StackOptions{})
	if err != nil {
		t.Fatalf("NewChannelStack() error = %v", err)
	}

	call, err := stack.NewCallStack(&CallArgs{Context: context.Background()})
	if err != nil {
		t.Fatalf("NewCallStack() error = %v", err)
	}

	stack.Unref()
	if destroyed {
		t.Fatal("channel stack destroyed while a call stack is live")
	}

	call.Destroy(&CallFinalInfo{}, nil)
	if !destroyed {
		t.Fatal("channel stack not destroyed after last call drained")
	}
}

func TestNewCallStack_AfterDestroy(t *testing.T) {
	stack, err := NewChannelStack([]*Filter{{Name: "f"}}, StackOptions{})
	if err != nil {
		t.Fatalf("NewChannelStack() error = %v", err)
	}
	stack.Unref()

	if _, err := stack.NewCallStack(&CallArgs{Context: context.Background()}); !errors.Is(err, ErrStackDestroyed) {
		t.Errorf("NewCallStack() after destroy error = %v, want ErrStackDestroyed", err)
	}
}

func TestCallStack_StreamOpTraversal(t *testing.T) {
	var visited []string
	tagger := func(name string) *Filter {
		return &Filter{
			Name: name,
			StartStreamOp: func(elem *CallElement, batch *StreamOpBatch) {
				visited = append(visited, name)
				batch.SendInitialMetadata = append(batch.SendInitialMetadata, [2]string{"x-" + name, "1"})
				CallNextOp(elem, batch)
			},
		}
	}
	terminal := &Filter{
		Name: "terminal",
		StartStreamOp: func(elem *CallElement, batch *StreamOpBatch) {
			visited = append(visited, "terminal")
			batch.Complete(nil)
		},
	}
	stack := newTestChannelStack(t, []*Filter{tagger("a"), tagger("b"), terminal})

	call, err := stack.NewCallStack(&CallArgs{Context: context.Background()})
	if err != nil {
		t.Fatalf("NewCallStack() error = %v", err)
	}
	defer call.Destroy(&CallFinalInfo{}, nil)

	var completeErr error
	done := false
	batch := &StreamOpBatch{OnComplete: func(err error) { completeErr = err; done = true }}
	call.StartOp(batch)

	if diff := cmp.Diff([]string{"a", "b", "terminal"}, visited); diff != "" {
		t.Errorf("traversal order mismatch (-want +got):\n%s", diff)
	}
	if !done || completeErr != nil {
		t.Errorf("batch completion: done=%v err=%v", done, completeErr)
	}
	wantMD := [][2]string{{"x-a", "1"}, {"x-b", "1"}}
	if diff := cmp.Diff(wantMD, batch.SendInitialMetadata); diff != "" {
		t.Errorf("metadata accumulation mismatch (-want +got):\n%s", diff)
	}
}

func TestCallStack_NilOpHookForwards(t *testing.T) {
	reached := false
	terminal := &Filter{
		Name: "terminal",
		StartStreamOp: func(elem *CallElement, batch *StreamOpBatch) {
			reached = true
			batch.Complete(nil)
		},
	}
	stack := newTestChannelStack(t, []*Filter{{Name: "passive"}, terminal})

	call, err := stack.NewCallStack(&CallArgs{Context: context.Background()})
	if err != nil {
		t.Fatalf("NewCallStack() error = %v", err)
	}
	defer call.Destroy(&CallFinalInfo{}, nil)

	call.StartOp(&StreamOpBatch{})
	if !reached {
		t.Error("op not forwarded through filter with nil op hook")
	}
}

func TestCallStack_SetPollentWalk(t *testing.T) {
	var bound []string
	mk := func(name string) *Filter {
		return &Filter{
			Name: name,
			SetPollent: func(elem *CallElement, p *Pollent) {
				bound = append(bound, name)
			},
		}
	}
	stack := newTestChannelStack(t, []*Filter{mk("a"), {Name: "skip"}, mk("b")})

	call, err := stack.NewCallStack(&CallArgs{Context: context.Background()})
	if err != nil {
		t.Fatalf("NewCallStack() error = %v", err)
	}
	defer call.Destroy(&CallFinalInfo{}, nil)

	call.SetPollent(&Pollent{})
	if diff := cmp.Diff([]string{"a", "b"}, bound); diff != "" {
		t.Errorf("pollent walk mismatch (-want +got):\n%s", diff)
	}
}
