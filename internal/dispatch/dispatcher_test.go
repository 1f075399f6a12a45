package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/pulse/internal/protocol"
	"github.com/pitabwire/pulse/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticMembers map[model.SessionKey][]string

func (s staticMembers) MembersOf(key model.SessionKey) []string { return s[key] }

type captureSender struct {
	mu     sync.Mutex
	frames map[string][]map[string]any
	block  chan struct{}
	fail   map[string]bool
	all    int
}

func newCaptureSender() *captureSender {
	return &captureSender{frames: make(map[string][]map[string]any), fail: make(map[string]bool)}
}

func (c *captureSender) Send(connectionID string, msg protocol.Message) bool {
	if c.block != nil {
		<-c.block
	}
	var frame map[string]any
	_ = json.Unmarshal(msg.Data, &frame)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[connectionID] {
		return false
	}
	c.frames[connectionID] = append(c.frames[connectionID], frame)
	return true
}

func (c *captureSender) OperatorBroadcast(msg protocol.Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all++
	var frame map[string]any
	_ = json.Unmarshal(msg.Data, &frame)
	c.frames["*"] = append(c.frames["*"], frame)
	return 3
}

func (c *captureSender) get(conn string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.frames[conn]...)
}

var (
	t1c1 = model.SessionKey{TenantID: "t1", CampaignID: "c1"}
	t2c1 = model.SessionKey{TenantID: "t2", CampaignID: "c1"}
)

func stageEv(key model.SessionKey, stage string, progress int, version uint64) model.SessionEvent {
	return model.SessionEvent{
		Kind:    model.EventStageUpdate,
		Key:     key,
		StageID: stage,
		Stage:   model.StageState{Status: model.StageRunning, Progress: progress},
		Version: version,
	}
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// --- Ordering ---

func TestOnCommit_preservesCommitOrderPerConnection(t *testing.T) {
	sender := newCaptureSender()
	members := staticMembers{t1c1: {"a", "b"}}
	d := New(members, sender, sender, nil, nil)

	for v := uint64(1); v <= 200; v++ {
		d.OnCommit(stageEv(t1c1, "discover", int(v%100), v))
	}
	closeDispatcher(t, d)

	for _, conn := range []string{"a", "b"} {
		frames := sender.get(conn)
		if len(frames) != 200 {
			t.Fatalf("%s received %d frames, want 200", conn, len(frames))
		}
		for i, f := range frames {
			if f["version"] != float64(i+1) {
				t.Fatalf("%s frame %d version = %v, want %d", conn, i, f["version"], i+1)
			}
			if f["type"] != protocol.TypeStageUpdate {
				t.Fatalf("%s frame %d type = %v", conn, i, f["type"])
			}
		}
	}
}

func TestOnCommit_concurrentSessionsStayOrdered(t *testing.T) {
	sender := newCaptureSender()
	members := staticMembers{}
	keys := make([]model.SessionKey, 8)
	for i := range keys {
		keys[i] = model.SessionKey{TenantID: "t1", CampaignID: fmt.Sprintf("c%d", i)}
		members[keys[i]] = []string{fmt.Sprintf("conn-%d", i), "watch-all"}
	}
	d := New(members, sender, sender, nil, nil)

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k model.SessionKey) {
			defer wg.Done()
			for v := uint64(1); v <= 50; v++ {
				d.OnCommit(stageEv(k, "s", 0, v))
			}
		}(k)
	}
	wg.Wait()
	closeDispatcher(t, d)

	last := make(map[string]float64)
	for _, f := range sender.get("watch-all") {
		c := f["campaignId"].(string)
		if f["version"].(float64) <= last[c] {
			t.Fatalf("campaign %s version %v after %v", c, f["version"], last[c])
		}
		last[c] = f["version"].(float64)
	}
	if len(sender.get("watch-all")) != 400 {
		t.Errorf("watch-all received %d, want 400", len(sender.get("watch-all")))
	}
}

// --- Isolation ---

func TestOnCommit_onlyReachesSubscribersOfTheKey(t *testing.T) {
	sender := newCaptureSender()
	members := staticMembers{t1c1: {"tenant-1"}, t2c1: {"tenant-2"}}
	d := New(members, sender, sender, nil, nil)

	d.OnCommit(stageEv(t1c1, "discover", 10, 1))
	closeDispatcher(t, d)

	if got := sender.get("tenant-1"); len(got) != 1 {
		t.Errorf("tenant-1 frames = %d, want 1", len(got))
	}
	if got := sender.get("tenant-2"); len(got) != 0 {
		t.Errorf("tenant-2 received %v", got)
	}
	if got := sender.get("*"); len(got) != 0 {
		t.Errorf("global channel used for tenant data: %v", got)
	}
}

// --- Non-blocking ---

func TestOnCommit_doesNotBlockOnSlowDelivery(t *testing.T) {
	sender := newCaptureSender()
	sender.block = make(chan struct{})
	d := New(staticMembers{t1c1: {"slow"}}, sender, sender, nil, nil)

	done := make(chan struct{})
	go func() {
		for v := uint64(1); v <= 100; v++ {
			d.OnCommit(stageEv(t1c1, "s", 0, v))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnCommit blocked behind a stalled delivery")
	}
	if d.Pending() == 0 {
		t.Error("Pending = 0 while delivery is stalled")
	}

	close(sender.block)
	closeDispatcher(t, d)
	if got := len(sender.get("slow")); got != 100 {
		t.Errorf("delivered %d, want 100", got)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending = %d after close", d.Pending())
	}
}

func TestOnCommit_failedDeliveryDoesNotStopOthers(t *testing.T) {
	sender := newCaptureSender()
	sender.fail["gone"] = true
	d := New(staticMembers{t1c1: {"gone", "alive"}}, sender, sender, nil, nil)

	d.OnCommit(stageEv(t1c1, "s", 0, 1))
	d.OnCommit(stageEv(t1c1, "s", 5, 2))
	closeDispatcher(t, d)

	if got := len(sender.get("alive")); got != 2 {
		t.Errorf("alive received %d, want 2", got)
	}
}

func TestOnCommit_sessionStatusFrame(t *testing.T) {
	sender := newCaptureSender()
	d := New(staticMembers{t1c1: {"a"}}, sender, sender, nil, nil)

	d.OnCommit(model.SessionEvent{Kind: model.EventSessionStatus, Key: t1c1, Status: model.SessionCompleted, Version: 9})
	closeDispatcher(t, d)

	frames := sender.get("a")
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0]["type"] != protocol.TypeSessionStatus || frames[0]["status"] != "completed" {
		t.Errorf("frame = %v", frames[0])
	}
}

func TestOnCommit_afterCloseIsDropped(t *testing.T) {
	sender := newCaptureSender()
	core, logs := observer.New(zap.DebugLevel)
	d := New(staticMembers{t1c1: {"a"}}, sender, sender, zap.New(core), nil)
	closeDispatcher(t, d)

	d.OnCommit(stageEv(t1c1, "s", 0, 7))
	if d.Pending() != 0 {
		t.Errorf("Pending = %d after close", d.Pending())
	}
	if len(sender.get("a")) != 0 {
		t.Error("event delivered after close")
	}

	dropped := logs.FilterMessage("event dropped after close").All()
	if len(dropped) != 1 {
		t.Fatalf("drop log entries = %d, want 1", len(dropped))
	}
	fields := dropped[0].ContextMap()
	if fields["campaign_id"] != "c1" || fields["version"] != uint64(7) {
		t.Errorf("drop log fields = %v", fields)
	}
}

// --- Operator notices ---

func TestNotice_usesGlobalChannel(t *testing.T) {
	sender := newCaptureSender()
	d := New(staticMembers{}, sender, sender, nil, nil)

	n := d.Notice("", "server restarting")
	if n != 3 {
		t.Errorf("recipients = %d, want 3", n)
	}
	frames := sender.get("*")
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0]["type"] != protocol.TypeNotice || frames[0]["level"] != "info" || frames[0]["message"] != "server restarting" {
		t.Errorf("frame = %v", frames[0])
	}
	closeDispatcher(t, d)
}
