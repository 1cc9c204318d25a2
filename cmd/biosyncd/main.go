// Command biosyncd wires the acquisition core's components into a runnable
// process: config load, event/spike buses, synchronizer, exporter, plot
// websocket hub and an optional metrics endpoint. Device
// drivers themselves are an external collaborator (§1 Non-goals) and are
// not implemented here; EnqueuePacket/SetEvent/TriggerSpike are the seam a
// real device integration would call into.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"biosync/internal/config"
	"biosync/internal/deviceconfig"
	"biosync/internal/obsmetrics"
	"biosync/internal/runctl"
	"biosync/pkg/eventbus"
	"biosync/pkg/export"
	"biosync/pkg/plotsink"
	"biosync/pkg/spikebus"
	bsync "biosync/pkg/sync"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	cfg := config.Load(logger)

	// Device instance inventory is normally produced by the external
	// config-merge pipeline (§1 Non-goals); a single default instance
	// keeps this entry point buildable without one.
	instances := []deviceconfig.Instance{
		{Enabled: true, ExportEnable: true, DeviceName: "default", FS: 250, Channels: []string{"ch1"}},
	}
	fsMax := deviceconfig.ComputeFSMax(logger, instances)
	channels := deviceconfig.CollectKnownChannels(logger, instances)
	if len(channels) == 0 {
		logger.Fatal("biosyncd: no exportable channels resolved from device config, aborting")
	}
	delta := 1.0 / fsMax

	obsmetrics.Init(logger)

	events := eventbus.New(logger, toKeyLabels(cfg.Events.Keymap), cfg.Events.EnableTriggers)
	spikes := spikebus.New(logger, cfg.Spikes.Keymap, cfg.Spikes.EnableTriggers)

	synchronizer := bsync.New(logger, 0, events, spikes)
	synchronizer.SetPlotDecimateHz(cfg.UI.PlotDecimateHz)

	var exporter *export.Exporter
	if cfg.Export.Enable {
		defaultEvent := "REST"
		if len(cfg.Events.Keymap) > 0 {
			defaultEvent = cfg.Events.Keymap[0].Label
		}
		exportCfg := export.Config{
			LookaheadSec:     cfg.Export.LookaheadSec,
			FlushPeriodSec:   cfg.Export.FlushPeriodSec,
			FlushRows:        cfg.Export.FlushRows,
			IdleWatermarkSec: cfg.Export.IdleWatermarkSec,
			EnableSignalCSV:  cfg.Export.CSVSignalEnable,
			EnableMarkerCSV:  cfg.Export.CSVMarkerEnable,
			IncludeKColumn:   cfg.Export.PrintK,
			SignalDir:        cfg.Export.SyncedDir,
			MarkerDir:        cfg.Export.MarkersDir,
		}
		var err error
		exporter, err = export.NewExporter(logger, channels, delta, bsync.DecimalsFromDelta(delta), defaultEvent, exportCfg)
		if err != nil {
			logger.WithError(err).Fatal("biosyncd: failed to construct exporter")
		}
		if err := exporter.Start(); err != nil {
			logger.WithError(err).Fatal("biosyncd: failed to start exporter")
		}
		synchronizer.AddSinkQueue(exporter)
	}

	hub := plotsink.NewHub(logger)
	go hub.Run()
	synchronizer.AddPlotSinkQueue(hub)

	mux := http.NewServeMux()
	mux.Handle("/ws/plot", hub)
	obsmetrics.RegisterHandler(mux, "/metrics")
	httpServer := &http.Server{Addr: ":8090", Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("biosyncd: http server stopped unexpectedly")
		}
	}()

	if err := synchronizer.StartSession(delta); err != nil {
		logger.WithError(err).Fatal("biosyncd: failed to start session")
	}
	logger.WithFields(logrus.Fields{"fs_max": fsMax, "delta": delta, "channels": len(channels)}).Info("biosyncd: session started")

	stop := runctl.NewStopFlag()
	runctl.SetupSignalHandlers(logger, stop)
	stop.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	synchronizer.StopSession()
	if exporter != nil {
		exporter.Stop()
	}
	hub.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("biosyncd: error shutting down http server")
	}

	logger.Info("biosyncd: shut down gracefully")
}

func toKeyLabels(in []config.KeyLabel) []eventbus.KeyLabel {
	out := make([]eventbus.KeyLabel, len(in))
	for i, kl := range in {
		out[i] = eventbus.KeyLabel{Key: kl.Key, Label: kl.Label}
	}
	return out
}
