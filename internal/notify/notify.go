// Package notify delivers best-effort messages to users and to the context a
// request originated from. Delivery failures are never fatal to the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"potrails/internal/apperr"
)

// Event names the kind of message being delivered.
type Event string

const (
	EventAccountCreated Event = "account.created"
	EventKeyFallback    Event = "account.key_fallback"
	EventPotCreated     Event = "pot.created"
	EventPotSettled     Event = "pot.settled"
	EventPotExpired     Event = "pot.expired"
	EventPotFailed      Event = "pot.failed"
	EventPayoutReceived Event = "payout.received"
	EventTransferDone   Event = "transfer.succeeded"
	EventTransferFailed Event = "transfer.failed"
)

type Message struct {
	Event Event             `json:"event"`
	Text  string            `json:"text"`
	Data  map[string]string `json:"data,omitempty"`
	// Sensitive marks messages carrying key material. They go to the user's
	// private channel only and are never logged.
	Sensitive bool `json:"-"`
}

type Notifier interface {
	// Notify sends a private message to the user.
	Notify(ctx context.Context, userID string, msg Message) error
	// UpdateContext posts to the originating context, which may be gone.
	UpdateContext(ctx context.Context, contextRef string, msg Message) error
}

// BestEffort debug-logs a delivery error and reports whether delivery
// succeeded.
func BestEffort(log *slog.Logger, what string, err error) bool {
	if err == nil {
		return true
	}
	if log != nil {
		log.Debug("notification not delivered", "what", what, "error", err)
	}
	return false
}

// LogNotifier writes notifications to the service log. Used in dev.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, userID string, msg Message) error {
	if msg.Sensitive {
		n.Log.Info("notify", "user_id", userID, "event", msg.Event, "text", "[sealed message]")
		return nil
	}
	n.Log.Info("notify", "user_id", userID, "event", msg.Event, "text", msg.Text)
	return nil
}

func (n LogNotifier) UpdateContext(_ context.Context, contextRef string, msg Message) error {
	if contextRef == "" {
		return nil
	}
	n.Log.Info("context update", "context_ref", contextRef, "event", msg.Event, "text", msg.Text)
	return nil
}

// Delivery is one message captured by Recorder.
type Delivery struct {
	UserID     string
	ContextRef string
	Message    Message
}

// Recorder keeps every delivery in memory. Setting FailUsers makes Notify
// fail for those users.
type Recorder struct {
	mu        sync.Mutex
	notified  []Delivery
	contexts  []Delivery
	FailUsers map[string]bool
}

func (r *Recorder) Notify(_ context.Context, userID string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailUsers[userID] {
		return apperr.Notification("user unreachable", nil)
	}
	r.notified = append(r.notified, Delivery{UserID: userID, Message: msg})
	return nil
}

func (r *Recorder) UpdateContext(_ context.Context, contextRef string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts = append(r.contexts, Delivery{ContextRef: contextRef, Message: msg})
	return nil
}

// Notified returns the private deliveries, optionally filtered by event.
func (r *Recorder) Notified(event Event) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return filter(r.notified, event)
}

// Contexts returns the context updates, optionally filtered by event.
func (r *Recorder) Contexts(event Event) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return filter(r.contexts, event)
}

func filter(in []Delivery, event Event) []Delivery {
	var out []Delivery
	for _, d := range in {
		if event == "" || d.Message.Event == event {
			out = append(out, d)
		}
	}
	return out
}
