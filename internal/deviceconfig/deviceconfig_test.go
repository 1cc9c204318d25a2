package deviceconfig

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestComputeFSMaxPicksMaximumAcrossEnabledInstances(t *testing.T) {
	got := ComputeFSMax(testLogger(), []Instance{
		{Enabled: true, ExportEnable: true, DeviceName: "eeg", FS: 250},
		{Enabled: true, ExportEnable: true, DeviceName: "ppg", FS: 64},
		{Enabled: false, ExportEnable: true, DeviceName: "disabled", FS: 1000},
	})
	assert.Equal(t, 250.0, got)
}

func TestComputeFSMaxIgnoresNonExportInstances(t *testing.T) {
	got := ComputeFSMax(testLogger(), []Instance{
		{Enabled: true, ExportEnable: false, DeviceName: "eeg", FS: 1000},
	})
	assert.Equal(t, defaultFSMax, got)
}

func TestComputeFSMaxFallsBackWhenNoneDeclared(t *testing.T) {
	got := ComputeFSMax(testLogger(), nil)
	assert.Equal(t, defaultFSMax, got)
}

func TestComputeFSMaxDiscardsMalformedFS(t *testing.T) {
	got := ComputeFSMax(testLogger(), []Instance{
		{Enabled: true, ExportEnable: true, DeviceName: "eeg", FS: 0},
		{Enabled: true, ExportEnable: true, DeviceName: "ppg", FS: 64},
	})
	assert.Equal(t, 64.0, got)
}

func TestCollectKnownChannelsOrdersAndDeduplicates(t *testing.T) {
	got := CollectKnownChannels(testLogger(), []Instance{
		{Enabled: true, ExportEnable: true, DeviceName: "eeg", Channels: []string{"ch1", "ch2", "ch1"}},
		{Enabled: true, ExportEnable: true, DeviceName: "ppg", Channels: []string{"ir"}},
	})
	assert.Equal(t, []string{"eeg:ch1", "eeg:ch2", "ppg:ir"}, got)
}

func TestCollectKnownChannelsSkipsDisabledAndNonExportInstances(t *testing.T) {
	got := CollectKnownChannels(testLogger(), []Instance{
		{Enabled: false, ExportEnable: true, DeviceName: "eeg", Channels: []string{"ch1"}},
		{Enabled: true, ExportEnable: false, DeviceName: "ppg", Channels: []string{"ir"}},
	})
	assert.Empty(t, got)
}

func TestCollectKnownChannelsRequiresNonEmptyDeviceName(t *testing.T) {
	got := CollectKnownChannels(testLogger(), []Instance{
		{Enabled: true, ExportEnable: true, DeviceName: "", Channels: []string{"ch1"}},
	})
	assert.Empty(t, got)
}

func TestCollectKnownChannelsSkipsInstanceWithNoChannelsEnabled(t *testing.T) {
	got := CollectKnownChannels(testLogger(), []Instance{
		{Enabled: true, ExportEnable: true, DeviceName: "eeg", Channels: nil},
		{Enabled: true, ExportEnable: true, DeviceName: "ppg", Channels: []string{"ir"}},
	})
	assert.Equal(t, []string{"ppg:ir"}, got)
}

func TestChannelsFromMapKeepsOnlyTruthyEntries(t *testing.T) {
	got := ChannelsFromMap(map[string]bool{"a": true, "b": false, "c": true})
	assert.Len(t, got, 2)
	assert.Contains(t, got, "a")
	assert.Contains(t, got, "c")
}
