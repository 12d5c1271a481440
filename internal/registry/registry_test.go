package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"vmgate/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func registerReq(id string) domain.RegisterRequest {
	return domain.RegisterRequest{
		AgentID:  id,
		Hostname: id + ".lan",
		APIURL:   "http://10.0.0.5:8001/",
		APIKey:   "secret-" + id,
		Tags:     map[string]string{"rack": "r1"},
	}
}

func TestNew(t *testing.T) {
	r := New()
	if r.Count() != 0 {
		t.Errorf("Expected count 0, got %d", r.Count())
	}
	if r.sweepInterval != DefaultSweepInterval || r.offlineThreshold != DefaultOfflineThreshold {
		t.Errorf("unexpected defaults: %v / %v", r.sweepInterval, r.offlineThreshold)
	}
}

func TestRegistry_Register(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now))

	agent := r.Register(registerReq("agent-1"))

	if agent.ID != "agent-1" {
		t.Errorf("Expected ID 'agent-1', got '%s'", agent.ID)
	}
	if agent.BaseURL != "http://10.0.0.5:8001" {
		t.Errorf("Expected trailing slash trimmed, got '%s'", agent.BaseURL)
	}
	if agent.Status != domain.AgentOnline {
		t.Errorf("Expected status online, got '%s'", agent.Status)
	}
	if !agent.LastSeen.Equal(clock.Now()) {
		t.Errorf("Expected last_seen %v, got %v", clock.Now(), agent.LastSeen)
	}
	if got := r.APIKey("agent-1"); got != "secret-agent-1" {
		t.Errorf("Expected stored api key, got '%s'", got)
	}
}

func TestRegistry_ReregisterIsIdempotentOnIdentity(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now))

	first := r.Register(registerReq("agent-1"))
	r.RecordHeartbeat(domain.Heartbeat{AgentID: "agent-1", VMCount: 3})

	clock.Advance(2 * time.Minute)
	r.Sweep()
	if a, _ := r.Get("agent-1"); a.Status != domain.AgentOffline {
		t.Fatalf("Expected agent offline before re-registering, got %s", a.Status)
	}

	req := registerReq("agent-1")
	req.Hostname = "renamed.lan"
	req.APIKey = ""
	second := r.Register(req)

	if r.Count() != 1 {
		t.Errorf("Expected count 1, got %d", r.Count())
	}
	if second.ID != first.ID {
		t.Errorf("Expected id preserved, got %s", second.ID)
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Error("Expected last_seen to advance")
	}
	if second.Status != domain.AgentOnline {
		t.Errorf("Expected status reset to online, got %s", second.Status)
	}
	if second.Hostname != "renamed.lan" {
		t.Errorf("Expected hostname overwritten, got %s", second.Hostname)
	}
	if second.VMCount != 3 {
		t.Errorf("Expected vm_count preserved, got %d", second.VMCount)
	}
	if r.APIKey("agent-1") != "" {
		t.Error("Expected api key cleared when re-registered without one")
	}
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := New()
	r.Register(registerReq("agent-1"))

	a, ok := r.Get("agent-1")
	if !ok {
		t.Fatal("Failed to retrieve registered agent")
	}
	a.Hostname = "mutated"
	a.Tags["rack"] = "mutated"

	b, _ := r.Get("agent-1")
	if b.Hostname == "mutated" || b.Tags["rack"] == "mutated" {
		t.Error("Registry state leaked through returned copy")
	}

	if _, ok := r.Get("non-existent"); ok {
		t.Error("Expected not found for unknown agent")
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := New()
	r.Register(registerReq("agent-1"))

	if !r.Unregister("agent-1") {
		t.Error("Expected unregister to report existing agent")
	}
	if r.Unregister("agent-1") {
		t.Error("Expected second unregister to report missing agent")
	}
	if r.APIKey("agent-1") != "" {
		t.Error("Expected api key removed")
	}
	if r.Count() != 0 {
		t.Errorf("Expected count 0, got %d", r.Count())
	}
}

func TestRegistry_HeartbeatUnknownIsNoop(t *testing.T) {
	r := New()

	if r.RecordHeartbeat(domain.Heartbeat{AgentID: "ghost", VMCount: 1}) {
		t.Error("Expected heartbeat from unknown agent to be ignored")
	}
	if r.Count() != 0 {
		t.Error("Heartbeat must not auto-register")
	}
}

func TestRegistry_HeartbeatTimestamp(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()

	tests := []struct {
		name      string
		timestamp time.Time
		want      time.Time
	}{
		{"zero uses master clock", time.Time{}, now},
		{"past is kept", now.Add(-50 * time.Second), now.Add(-50 * time.Second)},
		{"future uses master clock", now.Add(time.Minute), now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(WithClock(clock.Now))
			r.Register(registerReq("agent-1"))

			r.RecordHeartbeat(domain.Heartbeat{AgentID: "agent-1", Timestamp: tt.timestamp})
			a, _ := r.Get("agent-1")
			if !a.LastSeen.Equal(tt.want) {
				t.Errorf("Expected last_seen %v, got %v", tt.want, a.LastSeen)
			}
		})
	}
}

func TestRegistry_LivenessStateMachine(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now))
	r.Register(registerReq("agent-1"))
	r.Register(registerReq("agent-2"))

	// exactly at the threshold is still online
	clock.Advance(DefaultOfflineThreshold)
	r.RecordHeartbeat(domain.Heartbeat{AgentID: "agent-2"})
	offline, online := r.Sweep()
	if len(offline) != 0 || len(online) != 0 {
		t.Fatalf("Expected no transitions at threshold, got %v %v", offline, online)
	}

	clock.Advance(time.Second)
	offline, _ = r.Sweep()
	if fmt.Sprint(offline) != "[agent-1]" {
		t.Fatalf("Expected agent-1 offline, got %v", offline)
	}

	if got := r.ListOnline(); len(got) != 1 || got[0].ID != "agent-2" {
		t.Errorf("Expected only agent-2 online, got %+v", got)
	}

	// a heartbeat flips the agent back immediately, regardless of how long it was gone
	clock.Advance(time.Hour)
	r.RecordHeartbeat(domain.Heartbeat{AgentID: "agent-1", VMCount: 2})
	a, _ := r.Get("agent-1")
	if a.Status != domain.AgentOnline || a.VMCount != 2 {
		t.Errorf("Expected agent-1 online with 2 vms, got %+v", a)
	}
}

func TestRegistry_SweepRecoversRacedHeartbeat(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now))
	r.Register(registerReq("agent-1"))

	clock.Advance(2 * time.Minute)
	r.Sweep()

	// simulate a heartbeat that updated last_seen without flipping status
	r.mu.Lock()
	r.agents["agent-1"].LastSeen = clock.Now()
	r.mu.Unlock()

	_, online := r.Sweep()
	if fmt.Sprint(online) != "[agent-1]" {
		t.Errorf("Expected sweep to bring agent-1 back online, got %v", online)
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(registerReq(id))
	}

	var ids []string
	for _, a := range r.List() {
		ids = append(ids, a.ID)
	}
	if fmt.Sprint(ids) != "[a b c]" {
		t.Errorf("Expected sorted ids, got %v", ids)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(3)
		id := fmt.Sprintf("agent-%d", i%5)
		go func() {
			defer wg.Done()
			r.Register(registerReq(id))
		}()
		go func() {
			defer wg.Done()
			r.RecordHeartbeat(domain.Heartbeat{AgentID: id, VMCount: 1})
		}()
		go func() {
			defer wg.Done()
			r.Sweep()
			r.List()
		}()
	}
	wg.Wait()

	if r.Count() != 5 {
		t.Errorf("Expected 5 agents, got %d", r.Count())
	}
}

func TestRegistry_RunStopsOnCancel(t *testing.T) {
	r := New(WithSweepInterval(10 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
