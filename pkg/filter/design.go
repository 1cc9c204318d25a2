package filter

import (
	"math"

	"github.com/sirupsen/logrus"
)

// Section is one second-order section of a digital IIR cascade, in
// transposed direct-form-II with a0 normalized to 1.
type Section struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// Cascade is an ordered, immutable sequence of sections. A nil or empty
// Cascade is the identity filter.
type Cascade []Section

// designCascade builds the SOS cascade for a validated spec: notch section
// first (if enabled), then band-pass (if enabled). Never returns an error -
// invalid input has already been normalized to disabled stages by
// validateSpec; any remaining numerical failure degrades that one stage
// to identity and is logged once.
func designCascade(log *logrus.Entry, sensorKey string, fs float64, v validated) Cascade {
	var sections Cascade

	if v.notchFreq > 0 {
		s, err := notchSection(v.notchFreq, v.notchQ, fs)
		if err != nil {
			log.WithFields(logrus.Fields{"sensor": sensorKey, "stage": "notch"}).WithError(err).
				Error("filter: notch design failed, stage dropped")
		} else {
			sections = append(sections, s)
		}
	}

	if v.bpEnabled {
		bp, err := bandPassSections(v.bpOrder, v.lowHz, v.highHz, fs)
		if err != nil {
			log.WithFields(logrus.Fields{"sensor": sensorKey, "stage": "bandpass"}).WithError(err).
				Error("filter: band-pass design failed, stage dropped")
		} else {
			sections = append(sections, bp...)
		}
	}

	return sections
}

// notchSection builds a single RBJ-cookbook digital notch biquad centered
// at freqHz with quality factor q, sampled at fs.
func notchSection(freqHz, q, fs float64) (Section, error) {
	if q <= 0 {
		return Section{}, errInvalidQ
	}
	w0 := 2 * math.Pi * freqHz / fs
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)

	a0 := 1 + alpha
	return Section{
		B0: 1 / a0,
		B1: -2 * cosw0 / a0,
		B2: 1 / a0,
		A1: -2 * cosw0 / a0,
		A2: (1 - alpha) / a0,
	}, nil
}

// bandPassSections builds `order` cascaded constant-peak-gain bandpass
// biquads centered at the geometric mean of low/high, each with Q derived
// from the requested bandwidth. Cascading identical sections sharpens the
// transition band with increasing order, which stands in for a classical
// multi-pole Butterworth bandpass without requiring a general-purpose
// pole-placement/bilinear-transform implementation (see DESIGN.md).
func bandPassSections(order int, lowHz, highHz, fs float64) (Cascade, error) {
	if order < 1 {
		return nil, errInvalidOrder
	}
	centerHz := math.Sqrt(lowHz * highHz)
	bandwidth := highHz - lowHz
	if bandwidth <= 0 {
		return nil, errInvalidBand
	}
	q := centerHz / bandwidth

	w0 := 2 * math.Pi * centerHz / fs
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)
	a0 := 1 + alpha

	section := Section{
		B0: alpha / a0,
		B1: 0,
		B2: -alpha / a0,
		A1: -2 * cosw0 / a0,
		A2: (1 - alpha) / a0,
	}

	sections := make(Cascade, order)
	for i := range sections {
		sections[i] = section
	}
	return sections, nil
}
