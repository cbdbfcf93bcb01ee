package stratum

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestChannelStackSize_ExactSum(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
	}{
		{"empty", nil},
		{"single aligned", []int{16}},
		{"single unaligned", []int{1}},
		{"mixed", []int{0, 7, 16, 33, 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filters := make([]*Filter, len(tt.sizes))
			want := 0
			for i, size := range tt.sizes {
				filters[i] = &Filter{Name: fmt.Sprintf("f%d", i), ChannelStateSize: size}
				want += roundUp(size)
			}
			if got := ChannelStackSize(filters); got != want {
				t.Errorf("ChannelStackSize() = %d, want %d", got, want)
			}
		})
	}
}

func TestNewChannelStack_RejectsEmptyFilters(t *testing.T) {
	// An empty pipeline has no element to inject ops into and no last
	// element to hand a destroy continuation to.
	stack, err := NewChannelStack(nil, StackOptions{Name: "empty"})
	if !errors.Is(err, ErrNoFilters) {
		t.Fatalf("NewChannelStack(nil) error = %v, want ErrNoFilters", err)
	}
	if stack != nil {
		t.Errorf("NewChannelStack(nil) returned a stack: %+v", stack)
	}
}

func TestNewChannelStack_InitOrderAndBoundaries(t *testing.T) {
	var inits []string
	var boundaries [][2]bool
	mk := func(name string) *Filter {
		return &Filter{
			Name:             name,
			ChannelStateSize: 8,
			InitChannel: func(elem *ChannelElement, args *ChannelArgs) error {
				inits = append(inits, elem.Filter.Name)
				boundaries = append(boundaries, [2]bool{args.IsFirst, args.IsLast})
				return nil
			},
		}
	}

	stack, err := NewChannelStack([]*Filter{mk("a"), mk("b"), mk("c")}, StackOptions{Name: "test"})
	if err != nil {
		t.Fatalf("NewChannelStack() error = %v", err)
	}
	defer stack.Unref()

	if diff := cmp.Diff([]string{"a", "b", "c"}, inits); diff != "" {
		t.Errorf("init order mismatch (-want +got):\n%s", diff)
	}
	wantBounds := [][2]bool{{true, false}, {false, false}, {false, true}}
	if diff := cmp.Diff(wantBounds, boundaries); diff != "" {
		t.Errorf("is_first/is_last mismatch (-want +got):\n%s", diff)
	}
}

func TestNewChannelStack_ContinuesPastFirstError(t *testing.T) {
	errB := errors.New("filter b init failed")
	errC := errors.New("filter c init failed")

	var inited, destroyed []string
	mk := func(name string, initErr error) *Filter {
		return &Filter{
			Name:             name,
			ChannelStateSize: 4,
			InitChannel: func(elem *ChannelElement, _ *ChannelArgs) error {
				inited = append(inited, name)
				return initErr
			},
			DestroyChannel: func(elem *ChannelElement) {
				destroyed = append(destroyed, name)
			},
		}
	}

	stack, err := NewChannelStack(
		[]*Filter{mk("a", nil), mk("b", errB), mk("c", errC)},
		StackOptions{Name: "failing"},
	)
	if !errors.Is(err, errB) {
		t.Errorf("NewChannelStack() error = %v, want %v (first error)", err, errB)
	}
	if stack == nil {
		t.Fatal("NewChannelStack() returned nil stack on init error")
	}

	// Construction completed fully: every filter's init ran.
	if diff := cmp.Diff([]string{"a", "b", "c"}, inited); diff != "" {
		t.Errorf("init set mismatch (-want +got):\n%s", diff)
	}

	stack.Unref()

	// Destruction runs uniformly over all filters, forward order, once each.
	if diff := cmp.Diff([]string{"a", "b", "c"}, destroyed); diff != "" {
		t.Errorf("destroy order mismatch (-want +got):\n%s", diff)
	}
}

func TestChannelStack_DestroyFiresCallbackThenReleasesResources(t *testing.T) {
	var order []string
	f := &Filter{
		Name: "only",
		DestroyChannel: func(*ChannelElement) {
			order = append(order, "filter-destroy")
		},
	}
	stack, err := NewChannelStack([]*Filter{f}, StackOptions{
		OnDestroy: func() { order = append(order, "on-destroy") },
	})
	if err != nil {
		t.Fatalf("NewChannelStack() error = %v", err)
	}

	stack.Unref()

	if diff := cmp.Diff([]string{"filter-destroy", "on-destroy"}, order); diff != "" {
		t.Errorf("teardown order mismatch (-want +got):\n%s", diff)
	}
	if !stack.Destroyed() {
		t.Error("Destroyed() = false after Unref to zero")
	}
}

func TestChannelStack_SnapshotAfterDestroyDisallowed(t *testing.T) {
	stack, err := NewChannelStack([]*Filter{{Name: "f", ChannelStateSize: 8, CallStateSize: 24}}, StackOptions{Name: "snap"})
	if err != nil {
		t.Fatalf("NewChannelStack() error = %v", err)
	}

	snap, err := stack.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	want := &StackSnapshot{
		Name:          "snap",
		CallStackSize: roundUp(24),
		Elements:      []ElementInfo{{Name: "f", ChannelDataSize: 8, CallDataSize: 24}},
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	stack.Unref()
	if _, err := stack.Snapshot(); !errors.Is(err, ErrStackDestroyed) {
		t.Errorf("Snapshot() after destroy error = %v, want ErrStackDestroyed", err)
	}
}

func TestChannelStack_RefCountDelaysDestroy(t *testing.T) {
	destroyed := false
	f := &Filter{Name: "f", DestroyChannel: func(*ChannelElement) { destroyed = true }}
	stack, err := NewChannelStack([]*Filter{f}, StackOptions{})
	if err != nil {
		t.Fatalf("NewChannelStack() error = %v", err)
	}

	stack.Ref()
	stack.Unref()
	if destroyed {
		t.Fatal("stack destroyed while references remain")
	}
	stack.Unref()
	if !destroyed {
		t.Fatal("stack not destroyed after last Unref")
	}
}

func TestFilterInstanceNumber(t *testing.T) {
	shared := &Filter{Name: "dup", ChannelStateSize: 8}
	other := &Filter{Name: "other"}
	stack, err := NewChannelStack([]*Filter{shared, other, shared, shared}, StackOptions{})
	if err != nil {
		t.Fatalf("NewChannelStack() error = %v", err)
	}
	defer stack.Unref()

	tests := []struct {
		index int
		want  int
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{3, 2},
	}
	for _, tt := range tests {
		if got := FilterInstanceNumber(stack, stack.Element(tt.index)); got != tt.want {
			t.Errorf("FilterInstanceNumber(elem %d) = %d, want %d", tt.index, got, tt.want)
		}
	}
}

func TestChannelStack_ArenaRegionsDisjoint(t *testing.T) {
	var regions [][]byte
	mk := func(name string, size int) *Filter {
		return &Filter{
			Name:             name,
			ChannelStateSize: size,
			InitChannel: func(elem *ChannelElement, _ *ChannelArgs) error {
				regions = append(regions, elem.ChannelData)
				return nil
			},
		}
	}
	stack, err := NewChannelStack([]*Filter{mk("a", 5), mk("b", 32), mk("c", 17)}, StackOptions{})
	if err != nil {
		t.Fatalf("NewChannelStack() error = %v", err)
	}
	defer stack.Unref()

	if len(regions) != 3 {
		t.Fatalf("got %d regions, want 3", len(regions))
	}
	// Writing one region to capacity must not disturb the others.
	for i := range regions[1] {
		regions[1][i] = 0xff
	}
	for _, i := range []int{0, 2} {
		for j, b := range regions[i] {
			if b != 0 {
				t.Fatalf("region %d byte %d clobbered by write to region 1", i, j)
			}
		}
	}
	// Declared sizes are honored exactly, including capacity capping.
	if len(regions[0]) != 5 || cap(regions[0]) != 5 {
		t.Errorf("region 0 len/cap = %d/%d, want 5/5", len(regions[0]), cap(regions[0]))
	}
}

func TestChannelStack_TransportOpForwarding(t *testing.T) {
	var visited []string
	passthrough := func(name string) *Filter {
		return &Filter{
			Name: name,
			StartTransportOp: func(elem *ChannelElement, op *TransportOp) {
				visited = append(visited, name)
				ChannelNextOp(elem, op)
			},
		}
	}
	terminal := &Filter{
		Name: "terminal",
		StartTransportOp: func(elem *ChannelElement, op *TransportOp) {
			visited = append(visited, "terminal")
			op.OnComplete(nil)
		},
	}

	stack, err := NewChannelStack([]*Filter{passthrough("a"), passthrough("b"), terminal}, StackOptions{})
	if err != nil {
		t.Fatalf("NewChannelStack() error = %v", err)
	}
	defer stack.Unref()

	completed := false
	stack.StartOp(&TransportOp{StartDrain: true, OnComplete: func(error) { completed = true }})

	if diff := cmp.Diff([]string{"a", "b", "terminal"}, visited); diff != "" {
		t.Errorf("traversal order mismatch (-want +got):\n%s", diff)
	}
	if !completed {
		t.Error("transport op never completed")
	}
}

func TestChannelStack_GetInfoWalk(t *testing.T) {
	policy := "round_robin"
	supplier := &Filter{
		Name: "lb",
		GetInfo: func(elem *ChannelElement, info *ChannelInfo) {
			info.LBPolicyName = &policy
		},
	}
	stack, err := NewChannelStack([]*Filter{{Name: "front"}, supplier}, StackOptions{})
	if err != nil {
		t.Fatalf("NewChannelStack() error = %v", err)
	}
	defer stack.Unref()

	var info ChannelInfo
	stack.GetInfo(&info)
	if info.LBPolicyName == nil || *info.LBPolicyName != policy {
		t.Errorf("GetInfo did not reach supplier filter: %+v", info)
	}
}
