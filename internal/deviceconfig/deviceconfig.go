// Package deviceconfig derives the session-wide sample rate and the
// ordered export column schema from the set of configured device
// instances, the Go analogue of compute_fs_max_from_config and
// collect_known_channels_from_config (utils/helpers.py).
package deviceconfig

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// defaultFSMax is the fallback rate used when no enabled, export-enabled
// instance declares a usable FS, mirroring the original's hardcoded 250.0.
const defaultFSMax = 250.0

// Instance is one configured device instance (one block under a device
// type's INSTANCES list in the original's dynamic config).
type Instance struct {
	Enabled      bool
	ExportEnable bool
	DeviceName   string
	FS           float64
	// Channels lists enabled channel names. The original config allows
	// either a dict{name: bool} or a list[str]; callers normalize either
	// shape to this slice before calling CollectKnownChannels (see
	// ChannelsFromMap).
	Channels []string
}

// ChannelsFromMap keeps only the entries whose value is true, preserving
// the dynamic-typed dict{name:bool} shape the original accepts alongside
// a plain list of names.
func ChannelsFromMap(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for name, on := range m {
		if on {
			out = append(out, name)
		}
	}
	return out
}

// ComputeFSMax returns the maximum FS across enabled, export-enabled
// instances, falling back to defaultFSMax when none declare a usable FS.
// Mirrors compute_fs_max_from_config. It filters on Enabled and
// ExportEnable the same way CollectKnownChannels does.
func ComputeFSMax(logger *logrus.Logger, instances []Instance) float64 {
	var values []float64
	discarded := 0

	for _, inst := range instances {
		if !inst.Enabled || !inst.ExportEnable {
			continue
		}
		if inst.FS <= 0 {
			discarded++
			continue
		}
		values = append(values, inst.FS)
	}

	if discarded > 0 {
		logger.WithField("discarded", discarded).Warn("deviceconfig: instance(s) with malformed FS ignored")
	}

	if len(values) == 0 {
		logger.WithField("default_fs_max", defaultFSMax).Warn("deviceconfig: no enabled export instance declared FS, falling back to default")
		return defaultFSMax
	}

	fsMax := values[0]
	for _, v := range values[1:] {
		if v > fsMax {
			fsMax = v
		}
	}
	logger.WithFields(logrus.Fields{"fs_max": fsMax, "enabled_seen": len(values)}).Info("deviceconfig: resolved fs_max from config")
	return fsMax
}

// CollectKnownChannels returns the ordered, deduplicated device:channel
// schema for every enabled, export-enabled instance with a non-empty
// device name, mirroring collect_known_channels_from_config.
func CollectKnownChannels(logger *logrus.Logger, instances []Instance) []string {
	var cols []string
	seen := make(map[string]bool)

	exportEnabledInstances := 0
	instancesWithNoChannels := 0
	duplicates := 0

	for _, inst := range instances {
		if !inst.Enabled {
			continue
		}
		if !inst.ExportEnable {
			continue
		}
		if inst.DeviceName == "" {
			continue
		}
		exportEnabledInstances++

		if len(inst.Channels) == 0 {
			instancesWithNoChannels++
			continue
		}

		for _, ch := range inst.Channels {
			key := fmt.Sprintf("%s:%s", inst.DeviceName, ch)
			if seen[key] {
				duplicates++
				continue
			}
			cols = append(cols, key)
			seen[key] = true
		}
	}

	logger.WithFields(logrus.Fields{
		"columns":                  len(cols),
		"export_enabled_instances": exportEnabledInstances,
	}).Info("deviceconfig: resolved exportable columns")
	if instancesWithNoChannels > 0 {
		logger.WithField("count", instancesWithNoChannels).Warn("deviceconfig: export-enabled instance(s) with no channels enabled")
	}
	if duplicates > 0 {
		logger.WithField("count", duplicates).Warn("deviceconfig: duplicate channel entry(ies) deduplicated")
	}

	return cols
}
