package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "dripsend/pkg/logx"
)

func TestRunStateOverlapGate(t *testing.T) {
	t.Parallel()
	var st RunState
	if !st.TryStart() {
		t.Fatal("first start must succeed")
	}
	if st.TryStart() {
		t.Fatal("second start must be rejected while running")
	}
	st.Finish()
	if !st.TryStart() {
		t.Fatal("start after finish must succeed")
	}
	st.Finish()
	if st.Runs() != 2 || st.Skips() != 1 {
		t.Fatalf("runs=%d skips=%d", st.Runs(), st.Skips())
	}
}

func TestExecuteSkipsOverlappingTrigger(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.Start()
	defer s.Stop(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	err := s.AddInterval("tick", time.Hour, 0, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	d := s.defs[0]

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.execute(d)
	}()
	<-started
	// Trigger again while the first run is blocked.
	s.execute(d)
	if d.state.Skips() != 1 {
		t.Fatalf("want 1 skip, got %d", d.state.Skips())
	}
	close(release)
	wg.Wait()
	if d.state.Runs() != 1 {
		t.Fatalf("want 1 run, got %d", d.state.Runs())
	}
}

func TestExecuteContainsPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.Start()
	defer s.Stop(context.Background())

	if err := s.AddInterval("boom", time.Hour, 0, func(ctx context.Context) error {
		panic("kaboom")
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	d := s.defs[0]
	s.execute(d) // must not crash the test process
	if d.state.Running() {
		t.Fatal("run state must be released after panic")
	}
}

func TestExecuteAppliesTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.Start()
	defer s.Stop(context.Background())

	var got error
	if err := s.AddInterval("slow", time.Hour, 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		got = ctx.Err()
		return got
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.execute(s.defs[0])
	if !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", got)
	}
}

func TestAddUpsertsByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	noop := func(ctx context.Context) error { return nil }
	if err := s.AddInterval("job", time.Minute, 0, noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddInterval("job", 2*time.Minute, 0, noop); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if len(s.defs) != 1 {
		t.Fatalf("upsert must not duplicate, got %d defs", len(s.defs))
	}
	if s.defs[0].spec != "@every 2m0s" {
		t.Fatalf("spec not replaced: %s", s.defs[0].spec)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	noop := func(ctx context.Context) error { return nil }
	_ = s.AddInterval("a", time.Minute, 0, noop)
	_ = s.AddInterval("b", time.Minute, 0, noop)

	if !s.Remove("a") {
		t.Fatal("remove must report true for a registered task")
	}
	if s.Remove("a") {
		t.Fatal("second remove must report false")
	}
	infos := s.Tasks()
	if len(infos) != 1 || infos[0].Name != "b" {
		t.Fatalf("unexpected tasks: %+v", infos)
	}
}

func TestAddDailySpec(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.AddDaily("report", "08:30", 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("add daily: %v", err)
	}
	if s.defs[0].spec != "30 8 * * *" {
		t.Fatalf("unexpected spec: %s", s.defs[0].spec)
	}
	if err := s.AddDaily("bad", "25:00", 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("invalid hour must be rejected")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		h, m   int
		wantOK bool
	}{
		{"00:00", 0, 0, true},
		{"23:59", 23, 59, true},
		{" 08:05 ", 8, 5, true},
		{"24:00", 0, 0, false},
		{"12:60", 0, 0, false},
		{"noon", 0, 0, false},
		{"8", 0, 0, false},
	}
	for _, tt := range tests {
		h, m, err := parseHHMM(tt.in)
		if tt.wantOK && (err != nil || h != tt.h || m != tt.m) {
			t.Fatalf("parseHHMM(%q) = %d,%d,%v", tt.in, h, m, err)
		}
		if !tt.wantOK && err == nil {
			t.Fatalf("parseHHMM(%q) must fail", tt.in)
		}
	}
}
