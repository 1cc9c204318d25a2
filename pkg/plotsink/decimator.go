// Package plotsink implements component F: a decimating wrapper around an
// acq.Sink that forwards roughly plot_decimate_hz samples per second per
// (device, channel) series, plus a WebSocket broadcaster queue grounded on
// the teacher's analytics WebSocket handler.
package plotsink

import (
	"math"
	"sync"

	"biosync/pkg/acq"

	"github.com/sirupsen/logrus"
)

// seriesKey identifies one (device, channel) plot series.
type seriesKey struct {
	device  string
	channel string
}

// Decimator wraps an underlying acq.Sink and only forwards a payload when
// its step index k has advanced by at least binWidth steps since the last
// emitted k for that series (§4.6). Events and spikes are never decimated;
// only KindSample payloads are subject to the bin test.
type Decimator struct {
	mu              sync.Mutex
	binWidth        map[string]int64 // device:channel -> bin width in steps
	defaultBinWidth int64            // used when no per-channel override is registered
	lastEmitK       map[seriesKey]int64
	underlying      acq.Sink
	log             *logrus.Entry
}

// NewDecimator wraps sink with a default bin width of 1 step (every sample
// forwarded) until SetDefaultBinWidth or Register sets a wider one.
func NewDecimator(logger *logrus.Logger, sink acq.Sink) *Decimator {
	return &Decimator{
		binWidth:        make(map[string]int64),
		defaultBinWidth: 1,
		lastEmitK:       make(map[seriesKey]int64),
		underlying:      sink,
		log:             logger.WithField("component", "plot_decimator"),
	}
}

// SetDefaultBinWidth sets the bin width applied to any (device, channel)
// series with no explicit per-channel override via Register. The
// synchronizer uses this when the whole session shares one quantization
// grid delta, so every series decimates at the same rate (§4.6).
func (d *Decimator) SetDefaultBinWidth(binWidth int64) {
	if binWidth < 1 {
		binWidth = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaultBinWidth = binWidth
}

// BinWidth computes ceil(1/(delta*plotDecimateHz)), clamped to at least 1
// step; it returns 1 when either argument is <= 0. It registers nothing;
// pass the result to SetDefaultBinWidth or Register.
func BinWidth(delta, plotDecimateHz float64) int64 {
	if delta <= 0 || plotDecimateHz <= 0 {
		return 1
	}
	w := int64(math.Ceil(1.0 / (delta * plotDecimateHz)))
	if w < 1 {
		w = 1
	}
	return w
}

// Register sets the bin width to use for device:channel going forward.
func (d *Decimator) Register(device, channel string, binWidth int64) {
	if binWidth < 1 {
		binWidth = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.binWidth[device+":"+channel] = binWidth
}

// TryPut applies the decimation test per channel in payload and forwards
// a trimmed payload (only the channels that pass) to the underlying sink.
// Event and spike payloads always pass through undecimated.
func (d *Decimator) TryPut(p acq.Payload) bool {
	if p.Kind != acq.KindSample {
		return d.underlying.TryPut(p)
	}

	d.mu.Lock()
	var kept []acq.ChannelPair
	for _, ch := range p.Channels {
		key := seriesKey{device: p.Device, channel: ch.Name}
		width, overridden := d.binWidth[p.Device+":"+ch.Name]
		if !overridden || width < 1 {
			width = d.defaultBinWidth
		}
		last, seen := d.lastEmitK[key]
		if !seen || p.K-last >= width {
			d.lastEmitK[key] = p.K
			kept = append(kept, ch)
		}
	}
	d.mu.Unlock()

	if len(kept) == 0 {
		return true
	}

	out := p
	out.Channels = kept
	return d.underlying.TryPut(out)
}
