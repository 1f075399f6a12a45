// Package dispatch delivers committed session events to subscribed
// connections. Each session has its own lane: events enter the lane in commit
// order and a single drainer per lane fans them out, so every connection
// observes a session's events in commit order while slow sessions and slow
// connections never hold up producers.
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/internal/protocol"
	"github.com/pitabwire/pulse/model"
)

// Members resolves the connections subscribed to a session.
type Members interface {
	MembersOf(key model.SessionKey) []string
}

// Sender queues a frame for one connection without blocking. Delivery
// failures are handled by the sender.
type Sender interface {
	Send(connectionID string, msg protocol.Message) bool
}

// Broadcaster queues a frame on every connection.
type Broadcaster interface {
	OperatorBroadcast(msg protocol.Message) int
}

type lane struct {
	queue []model.SessionEvent
}

// Dispatcher is the Broadcast Dispatcher. It implements session.Observer.
type Dispatcher struct {
	mu     sync.Mutex
	lanes  map[model.SessionKey]*lane
	closed bool
	wg     sync.WaitGroup

	members Members
	sender  Sender
	global  Broadcaster
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a Dispatcher.
func New(members Members, sender Sender, global Broadcaster, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		lanes:   make(map[model.SessionKey]*lane),
		members: members,
		sender:  sender,
		global:  global,
		logger:  logger,
		metrics: metrics,
	}
}

// OnCommit enqueues ev on its session lane. It never blocks on delivery.
func (d *Dispatcher) OnCommit(ev model.SessionEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Debug("event dropped after close",
			zap.String("tenant_id", ev.Key.TenantID),
			zap.String("campaign_id", ev.Key.CampaignID),
			zap.String("kind", string(ev.Kind)),
			zap.Uint64("version", ev.Version),
		)
		return
	}

	l, running := d.lanes[ev.Key]
	if !running {
		l = &lane{}
		d.lanes[ev.Key] = l
	}
	l.queue = append(l.queue, ev)
	d.metrics.AddDispatchQueueDepth(1)

	if !running {
		d.wg.Add(1)
		go d.drain(ev.Key, l)
	}
}

// drain delivers the lane's events in order and removes the lane once it
// is empty. At most one drain runs per lane.
func (d *Dispatcher) drain(key model.SessionKey, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		ev := l.queue[0]
		l.queue[0] = model.SessionEvent{}
		l.queue = l.queue[1:]
		d.mu.Unlock()

		d.metrics.AddDispatchQueueDepth(-1)
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev model.SessionEvent) {
	members := d.members.MembersOf(ev.Key)
	if len(members) == 0 {
		return
	}

	msg, err := protocol.Encode(protocol.EventFrame(ev))
	if err != nil {
		d.logger.Error("encode session event",
			zap.String("tenant_id", ev.Key.TenantID),
			zap.String("campaign_id", ev.Key.CampaignID),
			zap.Uint64("version", ev.Version),
			zap.Error(err),
		)
		return
	}

	for _, id := range members {
		if d.sender.Send(id, msg) {
			d.metrics.RecordDelivery("delivered")
		} else {
			d.metrics.RecordDelivery("failed")
		}
	}
	d.logger.Debug("event dispatched",
		zap.String("tenant_id", ev.Key.TenantID),
		zap.String("campaign_id", ev.Key.CampaignID),
		zap.String("stage_id", ev.StageID),
		zap.String("kind", string(ev.Kind)),
		zap.Uint64("version", ev.Version),
		zap.Int("recipients", len(members)),
	)
}

// Notice broadcasts an operator notice to every connection, authenticated or
// not. This is the only global fan-out path; it never carries tenant data.
func (d *Dispatcher) Notice(level, message string) int {
	if level == "" {
		level = "info"
	}
	msg := protocol.MustEncode(protocol.Notice{Level: level, Message: message})
	n := d.global.OperatorBroadcast(msg)
	d.logger.Info("operator notice broadcast",
		zap.String("level", level),
		zap.Int("recipients", n),
	)
	return n
}

// Pending returns the number of events not yet delivered.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, l := range d.lanes {
		n += len(l.queue)
	}
	return n
}

// Close stops accepting events and waits for queued events to be delivered
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
