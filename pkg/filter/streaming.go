package filter

import (
	"math"
	"sync"

	"biosync/pkg/acq"

	"github.com/sirupsen/logrus"
)

// StreamingSOS applies an immutable Cascade to a single channel's sample
// stream, retaining per-section delay state (zi) across calls. One
// instance per (device instance, channel); never share an instance across
// channels (§3).
type StreamingSOS struct {
	mu       sync.Mutex
	cascade  Cascade
	zi       [][2]float64
	ctx      string
	log      *logrus.Entry
	degraded bool
}

// NewStreamingSOS wraps cascade with zeroed state. ctx is a free-form tag
// (typically "device:channel") used only in log messages.
func NewStreamingSOS(logger *logrus.Logger, cascade Cascade, ctx string) *StreamingSOS {
	s := &StreamingSOS{
		cascade: cascade,
		zi:      make([][2]float64, len(cascade)),
		ctx:     ctx,
		log:     logger.WithFields(logrus.Fields{"component": "streaming_sos", "ctx": ctx}),
	}
	s.log.WithField("stages", len(cascade)).Info("filter: streaming instance created")
	return s
}

// Reset rezeros every section's delay state without changing the cascade.
func (s *StreamingSOS) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.zi {
		s.zi[i] = [2]float64{}
	}
	s.degraded = false
	s.log.Info("filter: streaming state reset")
}

// Apply filters one sample. A missing sample (acq.IsMissing) passes
// through unchanged and does not advance zi (§4.5, invariant 5). Once the
// cascade has produced a non-finite result the instance permanently
// degrades to pass-through for the remainder of the session and logs
// once, mirroring "filter runtime error" degradation for a library that
// would otherwise throw.
func (s *StreamingSOS) Apply(x float64) float64 {
	if acq.IsMissing(x) {
		return x
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded || len(s.cascade) == 0 {
		return x
	}

	y := x
	for i, sec := range s.cascade {
		z1, z2 := s.zi[i][0], s.zi[i][1]
		out := sec.B0*y + z1
		s.zi[i][0] = sec.B1*y + z2 - sec.A1*out
		s.zi[i][1] = sec.B2*y - sec.A2*out
		y = out
	}

	if math.IsNaN(y) || math.IsInf(y, 0) {
		s.degraded = true
		s.log.Error("filter: cascade produced non-finite output, degrading to pass-through for remainder of session")
		return x
	}
	return y
}
