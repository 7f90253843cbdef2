package fetcher

import (
	"log/slog"
	"net/url"
	"sync"
)

// Diagnostics channel names.
const (
	ChannelFetch     = "superfetch.fetch"
	ChannelTransform = "superfetch.transform"
)

// Event is one diagnostics record. URLs are redacted before publication.
type Event struct {
	V         int    `json:"v"`
	Type      string `json:"type"` // "start" | "end" | "error" | "stage"
	RequestID string `json:"requestId,omitempty"`
	URL       string `json:"url,omitempty"`
	Method    string `json:"method,omitempty"`
	Status    int    `json:"status,omitempty"`
	Duration  int64  `json:"duration,omitempty"` // milliseconds
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Telemetry is a named publish/subscribe channel for fetch and transform
// events. Subscriber panics are contained; publication never blocks on or
// fails because of a subscriber.
type Telemetry struct {
	Name string

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
	logger *slog.Logger
}

// NewTelemetry creates a channel with the given diagnostics name.
func NewTelemetry(name string, logger *slog.Logger) *Telemetry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telemetry{Name: name, subs: make(map[int]func(Event)), logger: logger}
}

// Subscribe registers fn for every published event. The returned function
// unsubscribes and is idempotent.
func (t *Telemetry) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Publish delivers ev to all subscribers in subscription order.
func (t *Telemetry) Publish(ev Event) {
	ev.V = 1
	t.mu.Lock()
	subs := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		t.deliver(fn, ev)
	}
}

func (t *Telemetry) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("telemetry subscriber panicked",
				slog.String("channel", t.Name),
				slog.Any("panic", r))
		}
	}()
	fn(ev)
}

// RedactURL strips userinfo, query, and fragment before a URL appears in
// any telemetry event or log line.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable)"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
