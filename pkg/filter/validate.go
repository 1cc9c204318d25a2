package filter

import (
	"errors"

	"github.com/sirupsen/logrus"
)

var (
	errInvalidQ     = errors.New("filter: Q must be > 0")
	errInvalidOrder = errors.New("filter: order must be >= 1")
	errInvalidBand  = errors.New("filter: low_hz must be < high_hz")
)

// validated holds the normalized primitives a Spec reduces to after
// validation. Two Specs that validate to the same `validated` value design
// to behaviorally identical cascades, independent of how they were spelled.
type validated struct {
	bpEnabled bool
	bpOrder   int
	lowHz     float64
	highHz    float64

	notchFreq float64 // 0 means disabled
	notchQ    float64
}

// validateSpec normalizes spec against fs, clamping or disabling stages
// that fail validation and logging once per violation - the acquisition
// thread must never be killed by a design error (§4.5).
func validateSpec(log *logrus.Entry, sensorKey string, fs float64, spec Spec) validated {
	var v validated

	if spec.BandPass != nil {
		bp := spec.BandPass
		nyq := fs / 2
		valid := bp.LowHz > 0 && bp.LowHz < bp.HighHz && bp.HighHz < nyq && bp.Order >= 1
		if !valid {
			log.WithFields(logrus.Fields{
				"sensor": sensorKey, "low_hz": bp.LowHz, "high_hz": bp.HighHz,
				"order": bp.Order, "nyquist": nyq,
			}).Warn("filter: band-pass spec invalid, disabling band-pass stage")
		} else {
			v.bpEnabled = true
			v.bpOrder = bp.Order
			v.lowHz = bp.LowHz
			v.highHz = bp.HighHz
		}
	}

	if spec.Notch != nil {
		nt := spec.Notch
		freq := nt.FreqHz
		if freq != 50 && freq != 60 {
			log.WithFields(logrus.Fields{"sensor": sensorKey, "requested_hz": freq}).
				Warn("filter: notch frequency not in {50,60}, clamping to 50")
			freq = 50
		}
		q := nt.Q
		if q <= 0 {
			log.WithFields(logrus.Fields{"sensor": sensorKey, "q": q}).
				Warn("filter: notch Q invalid, disabling notch stage")
		} else {
			v.notchFreq = freq
			v.notchQ = q
		}
	}

	return v
}
