package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ward-net/alertfeed/internal/activity"
	"github.com/ward-net/alertfeed/internal/conn"
	"github.com/ward-net/alertfeed/pkg/types"
)

// fakeRunner blocks until its context is cancelled.
type fakeRunner struct {
	mu      sync.Mutex
	running bool
	starts  int
}

func (f *fakeRunner) Run(ctx context.Context) error {
	f.mu.Lock()
	f.running = true
	f.starts++
	f.mu.Unlock()

	<-ctx.Done()

	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeRunner) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// laggedRunner honors cancellation but holds its exit until released,
// modeling a loop that takes a while to notice its context died.
type laggedRunner struct {
	release chan struct{}

	mu     sync.Mutex
	starts int
}

func (f *laggedRunner) Run(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()

	<-ctx.Done()
	<-f.release
	return ctx.Err()
}

func (f *laggedRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

type orchFixture struct {
	orch    *Orchestrator
	machine *conn.Machine
	sub     *fakeRunner
	poll    *fakeRunner
	cancel  context.CancelFunc
}

func newOrchFixture(t *testing.T, caps Capabilities) *orchFixture {
	t.Helper()
	machine := conn.New(conn.Config{
		BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxRetries: 3,
	}, testLogger())
	sub := &fakeRunner{}
	poll := &fakeRunner{}
	o := NewOrchestrator(machine, sub, poll, nil, nil, OrchestratorConfig{Capabilities: caps}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = o.Run(ctx) }()
	t.Cleanup(cancel)

	return &orchFixture{orch: o, machine: machine, sub: sub, poll: poll, cancel: cancel}
}

func TestStartupStartsSubscription(t *testing.T) {
	f := newOrchFixture(t, Capabilities{PollingFallback: true})
	waitFor(t, "subscription start", f.sub.isRunning)
	if f.poll.isRunning() {
		t.Fatal("polling must not run while the subscription is healthy")
	}
}

func TestReconnectingStartsPollingSafetyNet(t *testing.T) {
	f := newOrchFixture(t, Capabilities{PollingFallback: true})
	waitFor(t, "subscription start", f.sub.isRunning)

	f.machine.Connecting()
	f.machine.ConnectionOpened()
	f.machine.ConnectionError(errors.New("read reset"))

	waitFor(t, "polling fallback", f.poll.isRunning)
	if !f.sub.isRunning() {
		t.Fatal("subscription keeps retrying while reconnecting")
	}
}

func TestConnectedStopsPolling(t *testing.T) {
	f := newOrchFixture(t, Capabilities{PollingFallback: true})
	waitFor(t, "subscription start", f.sub.isRunning)

	f.machine.Connecting()
	f.machine.ConnectionOpened()
	f.machine.ConnectionError(errors.New("read reset"))
	waitFor(t, "polling fallback", f.poll.isRunning)

	f.machine.ConnectionOpened()
	waitFor(t, "polling stop", func() bool { return !f.poll.isRunning() })
}

func TestErrorStateKeepsPollingActive(t *testing.T) {
	f := newOrchFixture(t, Capabilities{PollingFallback: true})
	waitFor(t, "subscription start", f.sub.isRunning)

	f.machine.Connecting()
	f.machine.ConnectionOpened()
	for i := 0; i < 3; i++ {
		f.machine.ConnectionError(errors.New("read reset"))
	}
	if f.machine.State().Status != types.ConnError {
		t.Fatalf("machine should be in error, got %s", f.machine.State().Status)
	}
	waitFor(t, "polling fallback", f.poll.isRunning)
}

func TestBackgroundingSwitchesToPolling(t *testing.T) {
	f := newOrchFixture(t, Capabilities{PollingFallback: true})
	waitFor(t, "subscription start", f.sub.isRunning)

	f.orch.OnActivity(activity.State{Foreground: false, Online: true})
	waitFor(t, "subscription stop", func() bool { return !f.sub.isRunning() })
	waitFor(t, "polling fallback", f.poll.isRunning)

	f.orch.OnActivity(activity.State{Active: true, Foreground: true, Online: true})
	waitFor(t, "subscription restart", f.sub.isRunning)
}

func TestPersistentSocketSurvivesBackgrounding(t *testing.T) {
	f := newOrchFixture(t, Capabilities{PersistentBackgroundSocket: true, PollingFallback: true})
	waitFor(t, "subscription start", f.sub.isRunning)

	f.orch.OnActivity(activity.State{Foreground: false, Online: true})

	// Give the orchestrator a moment to (not) react.
	time.Sleep(20 * time.Millisecond)
	if !f.sub.isRunning() {
		t.Fatal("persistent socket must survive backgrounding")
	}
	if f.poll.isRunning() {
		t.Fatal("no polling needed while the socket persists")
	}
}

func TestOfflineStopsBothSources(t *testing.T) {
	f := newOrchFixture(t, Capabilities{PollingFallback: true})
	waitFor(t, "subscription start", f.sub.isRunning)

	f.orch.OnActivity(activity.State{Foreground: true, Online: false})
	waitFor(t, "subscription stop", func() bool { return !f.sub.isRunning() })
	if f.poll.isRunning() {
		t.Fatal("polling must stop while offline")
	}

	f.orch.OnActivity(activity.State{Active: true, Foreground: true, Online: true})
	waitFor(t, "subscription restart", f.sub.isRunning)
}

func TestPollingDisabledWithoutFallbackCapability(t *testing.T) {
	f := newOrchFixture(t, Capabilities{PollingFallback: false})
	waitFor(t, "subscription start", f.sub.isRunning)

	f.machine.Connecting()
	f.machine.ConnectionOpened()
	f.machine.ConnectionError(errors.New("read reset"))

	time.Sleep(20 * time.Millisecond)
	if f.poll.isRunning() {
		t.Fatal("fallback disabled, polling must stay off")
	}
}

func TestManualRetryOnlyFromErrorState(t *testing.T) {
	f := newOrchFixture(t, Capabilities{PollingFallback: true})
	waitFor(t, "subscription start", f.sub.isRunning)

	if f.orch.ManualRetry() {
		t.Fatal("manual retry must be a no-op outside the error state")
	}

	f.machine.Connecting()
	f.machine.ConnectionOpened()
	for i := 0; i < 3; i++ {
		f.machine.ConnectionError(errors.New("read reset"))
	}
	if !f.orch.ManualRetry() {
		t.Fatal("manual retry must re-arm from the error state")
	}
	if got := f.machine.State().Status; got != types.ConnConnecting {
		t.Fatalf("expected connecting after manual retry, got %s", got)
	}
}

func TestStaleSubscriptionExitDoesNotDoubleStart(t *testing.T) {
	machine := conn.New(conn.Config{
		BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxRetries: 3,
	}, testLogger())
	sub := &laggedRunner{release: make(chan struct{})}
	o := NewOrchestrator(machine, sub, &fakeRunner{}, nil, nil,
		OrchestratorConfig{Capabilities: Capabilities{PollingFallback: true}}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { close(sub.release) })
	t.Cleanup(cancel)
	go func() { _ = o.Run(ctx) }()
	waitFor(t, "subscription start", func() bool { return sub.startCount() == 1 })

	// Background/foreground flip: the stop cancels the first loop and
	// the restart begins a second one before the first has noticed.
	o.OnActivity(activity.State{Foreground: false, Online: true})
	o.OnActivity(activity.State{Active: true, Foreground: true, Online: true})
	waitFor(t, "subscription restart", func() bool { return sub.startCount() == 2 })

	// Let the superseded loop finish now.
	sub.release <- struct{}{}

	time.Sleep(20 * time.Millisecond)
	if got := sub.startCount(); got != 2 {
		t.Fatalf("stale loop exit spawned another subscription, starts = %d", got)
	}
	if !o.SubscriptionActive() {
		t.Fatal("current subscription must stay registered as running")
	}
}

func TestReconnectTriggersRateLimitedRefetch(t *testing.T) {
	machine := conn.New(conn.Config{
		BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxRetries: 3,
	}, testLogger())

	var mu sync.Mutex
	refetches := 0
	onReconnect := func(ctx context.Context) {
		mu.Lock()
		refetches++
		mu.Unlock()
	}
	sub := &fakeRunner{}
	o := NewOrchestrator(machine, sub, &fakeRunner{}, nil, onReconnect,
		OrchestratorConfig{Capabilities: Capabilities{PollingFallback: true}, RefetchMinInterval: time.Hour},
		testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = o.Run(ctx) }()
	waitFor(t, "subscription start", sub.isRunning)

	// Flap the connection: connect, drop, connect again.
	machine.Connecting()
	machine.ConnectionOpened()
	machine.ConnectionError(errors.New("read reset"))
	machine.ConnectionOpened()

	waitFor(t, "refetch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return refetches >= 1
	})
	mu.Lock()
	defer mu.Unlock()
	if refetches != 1 {
		t.Fatalf("refetch must be rate-limited to once per interval, got %d", refetches)
	}
}
