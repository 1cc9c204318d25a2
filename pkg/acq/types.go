// Package acq holds the data model shared by every component of the
// acquisition core: the sample packet producers enqueue, the quantized
// payload the synchronizer fans out, and the missing-sample sentinel that
// must survive filtering, quantization, and export untouched.
package acq

import "math"

// Missing is the sentinel value carried by a ChannelPair whose sample was
// not available at the device. It round-trips through filtering (the SOS
// engine never advances state on it) and through export (rendered as an
// empty CSV cell).
var Missing = math.NaN()

// IsMissing reports whether v is the missing-sample sentinel.
func IsMissing(v float64) bool { return math.IsNaN(v) }

// ChannelPair is one (channel name, value) reading within a packet or
// payload. Name is the full column name as it appears in exports, e.g.
// "gsr_uS" or "RAW_gsr_uS".
type ChannelPair struct {
	Name  string
	Value float64
}

// Packet is what a producer enqueues on the synchronizer: a device-local
// timestamp, the device's instance name, and its channel readings for that
// instant.
type Packet struct {
	DeviceTS   float64
	DeviceName string
	Channels   []ChannelPair
}

// Kind tags the variant carried by a Payload.
type Kind int

const (
	// KindSample carries one device's channel readings at a grid index.
	KindSample Kind = iota
	// KindEvent carries a sticky-state change.
	KindEvent
	// KindSpike carries a one-shot instantaneous label.
	KindSpike
)

func (k Kind) String() string {
	switch k {
	case KindSample:
		return "sample"
	case KindEvent:
		return "event"
	case KindSpike:
		return "spike"
	default:
		return "unknown"
	}
}

// Payload is the tagged union the synchronizer emits to every sink, per
// §3's "Quantized payload emitted to sinks". Only the fields relevant to
// Kind are populated; the rest are zero.
type Payload struct {
	Kind Kind

	TQ float64
	K  int64

	// KindSample
	Device   string
	Channels []ChannelPair

	// KindEvent / KindSpike
	Label     string
	PrevLabel string // KindEvent only
	Source    string
}

// Sink is anything the synchronizer (or a component standing in front of
// it, such as the plot decimator) can forward a payload to without
// blocking. A full sink drops the payload and the caller is expected to
// count the drop.
type Sink interface {
	TryPut(Payload) bool
}
