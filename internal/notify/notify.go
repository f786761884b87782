package notify

import (
	"log/slog"
	"sync"

	"veranda/internal/metrics"
	"veranda/internal/models"
)

// Alerter performs the actual alerting side effect (sound, badge, push)
// for one recipient. It sits behind this interface so tests and embedders
// can swap it out.
type Alerter interface {
	Alert(principalID string, msg models.Message) error
}

// LogAlerter is the fallback sink when no push transport is configured.
type LogAlerter struct {
	Log *slog.Logger
}

func (a LogAlerter) Alert(principalID string, msg models.Message) error {
	a.Log.Info("alert", "principal", principalID, "thread", msg.ThreadID, "author", msg.AuthorID)
	return nil
}

// Dispatcher fires local alerts for inbound messages. Scoped to one open
// session: at most one alert per message identifier, never for messages
// authored by the local principal, gated by the mute flag.
type Dispatcher struct {
	mu      sync.Mutex
	local   string
	muted   bool
	seen    map[string]struct{}
	alerter Alerter
	log     *slog.Logger
}

func NewDispatcher(localPrincipalID string, alerter Alerter, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		local:   localPrincipalID,
		seen:    make(map[string]struct{}),
		alerter: alerter,
		log:     log,
	}
}

func (d *Dispatcher) SetMuted(muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = muted
}

func (d *Dispatcher) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

// Observe marks a message as known without alerting. Used for the backlog
// page at subscription open: those messages predate the session.
func (d *Dispatcher) Observe(msg models.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[msg.ID] = struct{}{}
}

// Deliver reacts to one delivered message and reports whether an alert
// fired. Redeliveries during reconnect reconciliation are absorbed by the
// seen set. A message arriving while muted is consumed silently, it does
// not alert retroactively on unmute.
func (d *Dispatcher) Deliver(msg models.Message) bool {
	d.mu.Lock()
	if msg.AuthorID == d.local {
		d.mu.Unlock()
		return false
	}
	if _, ok := d.seen[msg.ID]; ok {
		d.mu.Unlock()
		return false
	}
	d.seen[msg.ID] = struct{}{}
	muted := d.muted
	d.mu.Unlock()

	if muted {
		return false
	}

	if err := d.alerter.Alert(d.local, msg); err != nil {
		d.log.Warn("alert failed", "message", msg.ID, "error", err)
		return false
	}
	metrics.AlertsFired.Inc()
	return true
}
