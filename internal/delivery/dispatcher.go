package delivery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/metrics"
	"github.com/lalithlochan/finwatch/internal/notify"
)

const (
	// DefaultSubscriberBuffer is used when Subscribe is given a non-positive size
	DefaultSubscriberBuffer = 16

	sendTimeout = 5 * time.Second
)

// Dispatcher turns newly arrived notifications into delivery requests
type Dispatcher struct {
	gate   *Gate
	sender Sender
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	subs   map[int]chan Request
	nextID int
}

// NewDispatcher creates a dispatcher. sender may be nil when only
// subscribers consume requests.
func NewDispatcher(gate *Gate, sender Sender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		gate:   gate,
		sender: sender,
		logger: logger,
		now:    time.Now,
		subs:   make(map[int]chan Request),
	}
}

// Subscribe returns a buffered stream of requests and a cancel func that
// closes it. A subscriber that falls behind loses requests.
func (d *Dispatcher) Subscribe(buffer int) (<-chan Request, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Request, buffer)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Dispatch runs the desktop and sound gates for n and publishes the requests
// that pass. It returns what was requested.
func (d *Dispatcher) Dispatch(ctx context.Context, n *notify.Notification, s notify.Settings, prefs notify.Preferences) []Request {
	now := d.now()

	var reqs []Request
	desktop := d.gate.ShouldDeliverDesktop(n, s, prefs, now)
	metrics.RecordDeliveryDecision(string(ChannelDesktop), desktop)
	if desktop {
		reqs = append(reqs, Request{
			Notification: n.Clone(),
			Channel:      ChannelDesktop,
			DismissAfter: DismissAfter(n.Priority),
			RequestedAt:  now,
		})
	}

	sound := d.gate.ShouldPlaySound(n, s)
	metrics.RecordDeliveryDecision(string(ChannelSound), sound)
	if sound {
		reqs = append(reqs, Request{
			Notification: n.Clone(),
			Channel:      ChannelSound,
			RequestedAt:  now,
		})
	}

	for _, req := range reqs {
		d.publish(req)
		d.send(ctx, req)
		if !n.CreatedAt.IsZero() {
			metrics.RecordDeliveryLatency(string(req.Channel), now.Sub(n.CreatedAt))
		}
	}
	return reqs
}

func (d *Dispatcher) publish(req Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, ch := range d.subs {
		select {
		case ch <- req:
		default:
			d.logger.Warn("delivery subscriber lagging, request dropped",
				zap.Int("subscriber", id),
				zap.String("notification_id", req.Notification.ID),
				zap.String("channel", string(req.Channel)),
			)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, req Request) {
	if d.sender == nil || !d.sender.SupportsChannel(req.Channel) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := d.sender.Send(ctx, req); err != nil {
		metrics.RecordDeliverySent(string(req.Channel), "failed")
		d.logger.Warn("delivery send failed",
			zap.Error(err),
			zap.String("notification_id", req.Notification.ID),
			zap.String("channel", string(req.Channel)),
		)
		return
	}
	metrics.RecordDeliverySent(string(req.Channel), "sent")
}
