package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/notify"
)

type recordingSender struct {
	mu       sync.Mutex
	channels map[Channel]bool
	got      []Request
	err      error
}

func newRecordingSender(chs ...Channel) *recordingSender {
	s := &recordingSender{channels: map[Channel]bool{}}
	for _, ch := range chs {
		s.channels[ch] = true
	}
	return s
}

func (s *recordingSender) Send(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, req)
	return s.err
}

func (s *recordingSender) SupportsChannel(ch Channel) bool { return s.channels[ch] }

func newTestDispatcher(sender Sender, now time.Time) *Dispatcher {
	d := NewDispatcher(NewGate(time.UTC), sender, zap.NewNop())
	d.now = func() time.Time { return now }
	return d
}

func TestDispatcher_DesktopAndSound(t *testing.T) {
	sender := newRecordingSender(ChannelDesktop, ChannelSound)
	d := newTestDispatcher(sender, at(12, 0))

	reqs := d.Dispatch(context.Background(), note(notify.PriorityHigh), notify.DefaultSettings(), nil)
	if len(reqs) != 2 {
		t.Fatalf("expected desktop and sound requests, got %d", len(reqs))
	}
	if reqs[0].Channel != ChannelDesktop || !reqs[0].Sticky() {
		t.Errorf("expected a sticky desktop request, got %+v", reqs[0])
	}
	if reqs[1].Channel != ChannelSound {
		t.Errorf("expected a sound request, got %s", reqs[1].Channel)
	}
	if len(sender.got) != 2 {
		t.Errorf("sender should see both requests, got %d", len(sender.got))
	}
}

func TestDispatcher_QuietHoursStillPlaysSound(t *testing.T) {
	d := newTestDispatcher(nil, at(23, 30))

	reqs := d.Dispatch(context.Background(), note(notify.PriorityCritical), notify.DefaultSettings(), nil)
	if len(reqs) != 1 || reqs[0].Channel != ChannelSound {
		t.Fatalf("expected only a sound request during quiet hours, got %+v", reqs)
	}
}

func TestDispatcher_SubscribersReceiveRequests(t *testing.T) {
	d := newTestDispatcher(nil, at(12, 0))
	ch, cancel := d.Subscribe(4)
	defer cancel()

	s := notify.DefaultSettings()
	s.SoundEnabled = false
	d.Dispatch(context.Background(), note(notify.PriorityMedium), s, nil)

	select {
	case req := <-ch:
		if req.Channel != ChannelDesktop || req.DismissAfter != 30*time.Second {
			t.Errorf("unexpected request %+v", req)
		}
	default:
		t.Fatal("subscriber should have a request buffered")
	}
}

func TestDispatcher_LaggingSubscriberDoesNotBlock(t *testing.T) {
	d := newTestDispatcher(nil, at(12, 0))
	ch, cancel := d.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		d.Dispatch(context.Background(), note(notify.PriorityHigh), notify.DefaultSettings(), nil)
	}
	if len(ch) != 1 {
		t.Fatalf("expected the buffer to hold one request, got %d", len(ch))
	}
}

func TestDispatcher_CancelClosesStream(t *testing.T) {
	d := newTestDispatcher(nil, at(12, 0))
	ch, cancel := d.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("stream should be closed")
	}
	d.Dispatch(context.Background(), note(notify.PriorityHigh), notify.DefaultSettings(), nil)
}

func TestDispatcher_SenderFailureIsNotFatal(t *testing.T) {
	sender := newRecordingSender(ChannelDesktop)
	sender.err = errors.New("queue unavailable")
	d := newTestDispatcher(sender, at(12, 0))

	reqs := d.Dispatch(context.Background(), note(notify.PriorityHigh), notify.DefaultSettings(), nil)
	if len(reqs) != 2 {
		t.Fatalf("requests should still be returned, got %d", len(reqs))
	}
	if len(sender.got) != 1 {
		t.Errorf("only the desktop request should reach a desktop-only sender, got %d", len(sender.got))
	}
}
