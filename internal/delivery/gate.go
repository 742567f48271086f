// Package delivery decides which extra channels a notification reaches and
// hands the resulting requests to senders and subscribers.
package delivery

import (
	"fmt"
	"time"

	"github.com/lalithlochan/finwatch/internal/notify"
)

// Channel is a delivery surface beyond the in-app list
type Channel string

const (
	ChannelDesktop Channel = "desktop"
	ChannelSound   Channel = "sound"
)

// Pop-up auto-dismiss timers. Zero means sticky.
const (
	DismissLow    = 10 * time.Second
	DismissMedium = 30 * time.Second
)

// DismissAfter returns how long a pop-up stays up. High and critical
// notifications are sticky and return 0.
func DismissAfter(p notify.Priority) time.Duration {
	switch p {
	case notify.PriorityLow:
		return DismissLow
	case notify.PriorityHigh, notify.PriorityCritical:
		return 0
	default:
		return DismissMedium
	}
}

// IsWithinWindow reports whether clock t falls in [start, end), wrapping past
// midnight when start is after end. All values are "HH:MM".
func IsWithinWindow(t, start, end string) (bool, error) {
	tm, err := notify.ParseClock(t)
	if err != nil {
		return false, err
	}
	s, err := notify.ParseClock(start)
	if err != nil {
		return false, fmt.Errorf("window start: %w", err)
	}
	e, err := notify.ParseClock(end)
	if err != nil {
		return false, fmt.Errorf("window end: %w", err)
	}
	return inWindow(tm, s, e), nil
}

func inWindow(t, start, end int) bool {
	if start <= end {
		return start <= t && t < end
	}
	return t >= start || t < end
}

// Gate evaluates delivery eligibility in the user's time zone
type Gate struct {
	loc *time.Location
}

// NewGate creates a gate. A nil location uses time.Local.
func NewGate(loc *time.Location) *Gate {
	if loc == nil {
		loc = time.Local
	}
	return &Gate{loc: loc}
}

// QuietHoursActive reports whether now falls inside the configured quiet hours
func (g *Gate) QuietHoursActive(s notify.Settings, now time.Time) (bool, error) {
	start, err := notify.ParseClock(s.QuietHoursStart)
	if err != nil {
		return false, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err := notify.ParseClock(s.QuietHoursEnd)
	if err != nil {
		return false, fmt.Errorf("quiet hours end: %w", err)
	}
	local := now.In(g.loc)
	return inWindow(local.Hour()*60+local.Minute(), start, end), nil
}

// ShouldDeliverDesktop applies the desktop vetoes in order: desktop toggle,
// quiet hours, low priority, category preference. Unparseable quiet hours
// withhold delivery.
func (g *Gate) ShouldDeliverDesktop(n *notify.Notification, s notify.Settings, prefs notify.Preferences, now time.Time) bool {
	if !s.DesktopEnabled {
		return false
	}
	quiet, err := g.QuietHoursActive(s, now)
	if err != nil || quiet {
		return false
	}
	if n.Priority == notify.PriorityLow {
		return false
	}
	return prefs.Enabled(n.Category())
}

// ShouldPlaySound depends only on the sound toggle. It ignores quiet hours
// and category preferences.
func (g *Gate) ShouldPlaySound(_ *notify.Notification, s notify.Settings) bool {
	return s.SoundEnabled
}
