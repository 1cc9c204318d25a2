// Package spikebus implements the stateless one-shot marker bus
// (component C): every trigger fans out immediately to subscribers with no
// retained state, unlike eventbus's sticky toggle. Grounded on the
// original SpikeBus (processing/spikes.py) and on the teacher's
// analytics.Dispatcher subscriber pattern.
package spikebus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Spike describes one momentary marker delivered to subscribers.
type Spike struct {
	At     time.Time
	Label  string
	Source string
}

// Subscriber receives every spike fired on the bus.
type Subscriber func(Spike)

// noneLabel is returned by Current for API parity with eventbus.Bus, even
// though the spike bus never actually holds state.
const noneLabel = "NONE"

// Bus fans spikes out to subscribers without retaining any state between
// calls - "current" is always the sentinel (noneLabel, zero time).
type Bus struct {
	mu      sync.Mutex
	enabled bool
	keymap  map[string]string
	warned  map[string]bool
	subs    []Subscriber
	log     *logrus.Entry
}

// New creates a Bus from a key->label map and an enabled flag
// (spikes.ENABLE_TRIGGERS).
func New(logger *logrus.Logger, keymap map[string]string, enabled bool) *Bus {
	km := make(map[string]string, len(keymap))
	for k, v := range keymap {
		km[k] = v
	}
	b := &Bus{
		enabled: enabled,
		keymap:  km,
		warned:  make(map[string]bool),
		log:     logger.WithField("component", "spike_bus"),
	}
	b.log.WithField("enabled", enabled).Info("spike bus ready")
	return b
}

// Current always returns the sentinel pair, kept only so spikebus.Bus and
// eventbus.Bus present symmetric APIs to the synchronizer.
func (b *Bus) Current() (string, time.Time) {
	return noneLabel, time.Time{}
}

// Subscribe registers fn for future spikes.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
	b.log.WithField("subscribers", len(b.subs)).Info("spike bus: subscriber added")
}

// FireByKey resolves a keymap key to a label and fires it. An unmapped key
// is logged once and ignored.
func (b *Bus) FireByKey(key, source string) {
	b.mu.Lock()
	label, ok := b.keymap[key]
	if !ok {
		if !b.warned[key] {
			b.warned[key] = true
			b.mu.Unlock()
			b.log.WithField("key", key).Warn("spike bus: unmapped key, ignoring")
			return
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.Fire(label, source)
}

// Fire broadcasts a one-shot spike labeled label. When the bus is disabled
// it logs a warning and fires nothing.
func (b *Bus) Fire(label, source string) {
	if !b.enabledNow() {
		b.log.WithField("label", label).Warn("spike bus: triggers disabled, ignoring fire")
		return
	}

	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.Unlock()

	b.notify(subs, Spike{At: time.Now(), Label: label, Source: source})
}

// AnnounceAt replays an already-resolved spike at an externally supplied
// time. The synchronizer does not call it; it delivers spikes to its sinks
// through its own in-band marker queue.
func (b *Bus) AnnounceAt(at time.Time, label, source string) {
	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.Unlock()
	b.notify(subs, Spike{At: at, Label: label, Source: source})
}

func (b *Bus) notify(subs []Subscriber, spike Spike) {
	for _, fn := range subs {
		b.safeCall(fn, spike)
	}
}

func (b *Bus) safeCall(fn Subscriber, spike Spike) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("panic", r).Error("spike bus: subscriber panicked, recovered")
		}
	}()
	fn(spike)
}

func (b *Bus) enabledNow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}
