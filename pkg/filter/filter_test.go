package filter

import (
	"math"
	"testing"

	"biosync/pkg/acq"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel) // keep test output quiet
	return l
}

func TestDesignIdentityWhenBothDisabled(t *testing.T) {
	eng := NewEngine(testLogger(), 0)
	cascade := eng.Design("gsr", 100, Spec{})
	assert.Empty(t, cascade, "expected identity cascade")
}

func TestDesignCacheReturnsSameCascadeForEqualSpec(t *testing.T) {
	eng := NewEngine(testLogger(), 0)
	spec := Spec{BandPass: &BandPass{Order: 2, LowHz: 0.5, HighHz: 10}}
	c1 := eng.Design("gsr", 100, spec)
	c2 := eng.Design("gsr", 100, spec)
	require.NotEmpty(t, c1)
	assert.Equal(t, c1, c2)
}

func TestInvalidBandPassDegradesToIdentity(t *testing.T) {
	eng := NewEngine(testLogger(), 0)
	// low >= high is invalid.
	cascade := eng.Design("gsr", 100, Spec{BandPass: &BandPass{Order: 2, LowHz: 20, HighHz: 5}})
	assert.Empty(t, cascade, "expected band-pass to be dropped")
}

func TestNotchClampsInvalidFrequency(t *testing.T) {
	eng := NewEngine(testLogger(), 0)
	cascade := eng.Design("gsr", 500, Spec{Notch: &Notch{FreqHz: 55, Q: 30}})
	assert.Len(t, cascade, 1)
}

func TestStreamingApplyMissingSentinelDoesNotAdvanceState(t *testing.T) {
	eng := NewEngine(testLogger(), 0)
	cascade := eng.Design("gsr", 100, Spec{Notch: &Notch{FreqHz: 50, Q: 30}})

	withGap := NewStreamingSOS(testLogger(), cascade, "devA:gsr")
	withGap.Apply(1.0)
	out := withGap.Apply(acq.Missing)
	assert.True(t, acq.IsMissing(out), "expected missing sentinel to pass through unchanged")
	afterGap := withGap.Apply(1.0)

	noGap := NewStreamingSOS(testLogger(), cascade, "devA:gsr")
	noGap.Apply(1.0)
	afterNoGap := noGap.Apply(1.0)

	assert.Equal(t, afterNoGap, afterGap, "missing sample must not advance filter state")
}

func TestStreamingApplyIdentityCascadeIsPassThrough(t *testing.T) {
	s := NewStreamingSOS(testLogger(), nil, "devA:gsr")
	assert.Equal(t, 3.5, s.Apply(3.5))
}

func TestStreamingResetRezeroesState(t *testing.T) {
	eng := NewEngine(testLogger(), 0)
	cascade := eng.Design("gsr", 100, Spec{Notch: &Notch{FreqHz: 50, Q: 30}})
	s := NewStreamingSOS(testLogger(), cascade, "devA:gsr")

	s.Apply(1.0)
	s.Apply(1.0)
	s.Reset()

	fresh := NewStreamingSOS(testLogger(), cascade, "devA:gsr")
	assert.Equal(t, fresh.Apply(1.0), s.Apply(1.0), "reset instance diverged from fresh instance")
}

func TestStreamingDegradesOnNonFiniteOutput(t *testing.T) {
	bad := Cascade{{B0: math.Inf(1), B1: 0, B2: 0, A1: 0, A2: 0}}
	s := NewStreamingSOS(testLogger(), bad, "devA:bad")
	out := s.Apply(1.0)
	require.True(t, math.IsInf(out, 0), "first call should still run the cascade")
	// Now degraded: must pass through unchanged.
	assert.Equal(t, 2.5, s.Apply(2.5), "expected pass-through after degradation")
}
