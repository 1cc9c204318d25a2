// Package eventbus implements the sticky-state marker bus (component B):
// a single current label that toggles between a triggered value and a
// configured default, with thread-safe subscriber fan-out. Grounded on the
// teacher's analytics.Dispatcher subscriber pattern and on the original
// EventBus (processing/events.py).
package eventbus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Change describes one sticky-state transition delivered to subscribers.
type Change struct {
	At     time.Time
	New    string
	Prev   string
	Source string
}

// Subscriber receives every sticky-state change. A panicking or erroring
// subscriber must never take the bus down with it; Bus recovers and logs.
type Subscriber func(Change)

// Bus holds the current sticky label and broadcasts transitions.
type Bus struct {
	mu           sync.Mutex
	current      string
	defaultLabel string
	changed      time.Time
	enabled      bool
	keymap       map[string]string
	warned       map[string]bool

	subs []Subscriber
	log  *logrus.Entry
}

// New creates a Bus from an ordered keymap (first value is the default
// sticky label) and an enabled flag (events.ENABLE_TRIGGERS).
func New(logger *logrus.Logger, keymap []KeyLabel, enabled bool) *Bus {
	def := ""
	if len(keymap) > 0 {
		def = keymap[0].Label
	}
	km := make(map[string]string, len(keymap))
	for _, kl := range keymap {
		km[kl.Key] = kl.Label
	}

	b := &Bus{
		current:      def,
		defaultLabel: def,
		changed:      time.Now(),
		enabled:      enabled,
		keymap:       km,
		warned:       make(map[string]bool),
		log:          logger.WithField("component", "event_bus"),
	}
	b.log.WithFields(logrus.Fields{"default": def, "enabled": enabled}).Info("event bus ready")
	return b
}

// KeyLabel is one ordered keymap entry; order matters because the first
// entry is the default sticky label.
type KeyLabel struct {
	Key   string
	Label string
}

// Current returns the sticky label in effect and when it last changed.
func (b *Bus) Current() (string, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.changed
}

// Default returns the configured default (rest) label.
func (b *Bus) Default() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.defaultLabel
}

// Subscribe registers fn for future change notifications.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
	b.log.WithField("subscribers", len(b.subs)).Info("event bus: subscriber added")
}

// SetByKey resolves a keymap key to a label and applies the toggle rule.
// An unmapped key is logged once and ignored.
func (b *Bus) SetByKey(key, source string) {
	b.mu.Lock()
	label, ok := b.keymap[key]
	if !ok {
		if !b.warned[key] {
			b.warned[key] = true
			b.mu.Unlock()
			b.log.WithField("key", key).Warn("event bus: unmapped key, ignoring")
			return
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.Set(label, source)
}

// Set applies the toggle rule for label (§4.3): pressing the currently
// active non-default label returns to the default; anything else becomes
// the new sticky label. Returns the resolved (new, prev) pair.
//
// When the bus is disabled, Set logs a warning and leaves state untouched.
func (b *Bus) Set(label, source string) (newLabel, prev string) {
	if !b.enabledNow() {
		b.log.WithField("label", label).Warn("event bus: triggers disabled, ignoring set_event")
		b.mu.Lock()
		cur := b.current
		b.mu.Unlock()
		return cur, cur
	}

	now := time.Now()
	b.mu.Lock()
	prev = b.current
	if label == prev {
		newLabel = b.defaultLabel
	} else {
		newLabel = label
	}
	b.current = newLabel
	b.changed = now
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.Unlock()

	change := Change{At: now, New: newLabel, Prev: prev, Source: source}
	b.notify(subs, change)
	return newLabel, prev
}

// AnnounceChangeAt replays an already-resolved transition to subscribers
// at an externally supplied time, without touching sticky state. The
// synchronizer does not call it; it delivers resolved events to its sinks
// through its own in-band marker queue.
func (b *Bus) AnnounceChangeAt(at time.Time, newLabel, prev, source string) {
	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.Unlock()
	b.notify(subs, Change{At: at, New: newLabel, Prev: prev, Source: source})
}

func (b *Bus) notify(subs []Subscriber, change Change) {
	for _, fn := range subs {
		b.safeCall(fn, change)
	}
}

func (b *Bus) safeCall(fn Subscriber, change Change) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("panic", r).Error("event bus: subscriber panicked, recovered")
		}
	}()
	fn(change)
}

func (b *Bus) enabledNow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}
