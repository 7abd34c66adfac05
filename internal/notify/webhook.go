package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"potrails/internal/apperr"
	"potrails/internal/hmacauth"
)

// WebhookNotifier posts HMAC-signed JSON to the chat/REST shim that owns the
// user-facing surface. Private messages are rate limited per user.
type WebhookNotifier struct {
	url     string
	secret  string
	client  *http.Client
	limiter *userLimiter
	now     func() time.Time
}

type WebhookConfig struct {
	URL     string
	Secret  string
	RPS     float64
	Burst   int
	Timeout time.Duration
}

func NewWebhookNotifier(cfg WebhookConfig, client *http.Client) *WebhookNotifier {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		secret:  cfg.Secret,
		client:  client,
		limiter: newUserLimiter(cfg.RPS, cfg.Burst, 10*time.Minute),
		now:     time.Now,
	}
}

type webhookPayload struct {
	Kind       string            `json:"kind"`
	UserID     string            `json:"userId,omitempty"`
	ContextRef string            `json:"contextRef,omitempty"`
	Event      Event             `json:"event"`
	Text       string            `json:"text"`
	Data       map[string]string `json:"data,omitempty"`
	Sensitive  bool              `json:"sensitive,omitempty"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, userID string, msg Message) error {
	if !n.limiter.allow(userID, n.now()) {
		return apperr.Notification("notification rate limit exceeded for user", nil)
	}
	return n.post(ctx, webhookPayload{
		Kind:      "notify",
		UserID:    userID,
		Event:     msg.Event,
		Text:      msg.Text,
		Data:      msg.Data,
		Sensitive: msg.Sensitive,
	})
}

func (n *WebhookNotifier) UpdateContext(ctx context.Context, contextRef string, msg Message) error {
	if contextRef == "" {
		return nil
	}
	return n.post(ctx, webhookPayload{
		Kind:       "context",
		ContextRef: contextRef,
		Event:      msg.Event,
		Text:       msg.Text,
		Data:       msg.Data,
	})
}

func (n *WebhookNotifier) post(ctx context.Context, p webhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return apperr.Notification("encode webhook payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return apperr.Notification("build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		hmacauth.Sign(req, n.secret, body, n.now())
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return apperr.Notification("webhook request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperr.Notification(fmt.Sprintf("webhook returned %s", resp.Status), nil)
	}
	return nil
}

// userLimiter applies a token bucket per user and evicts idle entries.
type userLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byUser  map[string]*limiterEntry
	hits    uint64
	idleTTL time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newUserLimiter returns nil, which allows everything, when rps or burst is
// not positive.
func newUserLimiter(rps float64, burst int, idleTTL time.Duration) *userLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &userLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		byUser:  make(map[string]*limiterEntry),
		idleTTL: idleTTL,
	}
}

func (l *userLimiter) allow(userID string, now time.Time) bool {
	if l == nil {
		return true
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byUser[userID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byUser[userID] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byUser {
			if v.lastSeen.Before(cutoff) {
				delete(l.byUser, k)
			}
		}
	}
	return allowed
}
