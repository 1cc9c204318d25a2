package filter

import "fmt"

// BandPass describes an optional band-pass stage. Order is the number of
// cascaded second-order sections contributed to the cascade, not a
// classical pole count.
type BandPass struct {
	Order  int
	LowHz  float64
	HighHz float64
}

// Notch describes an optional mains-hum notch stage. FreqHz is clamped to
// {50, 60} at design time; anything else is logged and defaulted to 50.
type Notch struct {
	FreqHz float64
	Q      float64
}

// Spec is the immutable filter design input for one sensor/channel class.
// Either field may be nil to disable that stage; both nil yields an
// identity cascade.
type Spec struct {
	BandPass *BandPass
	Notch    *Notch
}

// canonicalKey renders sensorKey, fs and spec into a fixed-decimal string
// suitable for use as a cache key. Canonicalizing floats to a fixed
// precision avoids cache misses between semantically identical specs that
// differ only in float formatting noise (e.g. 50.0 vs 50.00000001).
func canonicalKey(sensorKey string, fs float64, spec Spec) string {
	bp := "bp:off"
	if spec.BandPass != nil {
		bp = fmt.Sprintf("bp:%d:%.4f:%.4f", spec.BandPass.Order, spec.BandPass.LowHz, spec.BandPass.HighHz)
	}
	nt := "notch:off"
	if spec.Notch != nil {
		nt = fmt.Sprintf("notch:%.2f:%.4f", spec.Notch.FreqHz, spec.Notch.Q)
	}
	return fmt.Sprintf("%s|fs=%.4f|%s|%s", sensorKey, fs, nt, bp)
}
