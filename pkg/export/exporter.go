// Package export implements component E, the asynchronous row-assembling
// exporter: it consumes the tagged payload stream from the synchronizer
// and materializes two CSV files per session, tolerating late packets via
// a lookahead window. Grounded on the original ExportSink
// (export/export_sink.py) and on the teacher's CDRService CSV export
// (pkg/cdr/service.go) for session-file and uuid conventions.
package export

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"biosync/internal/obsmetrics"
	"biosync/internal/xerrors"
	"biosync/pkg/acq"
	"biosync/pkg/queue"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config holds the export.* configuration surface (§6).
type Config struct {
	LookaheadSec     float64
	FlushPeriodSec   float64
	FlushRows        int
	IdleWatermarkSec float64
	EnableSignalCSV  bool
	EnableMarkerCSV  bool
	IncludeKColumn   bool
	SignalDir        string
	MarkerDir        string
}

// DefaultConfig mirrors the original's defaults (export_sink.py).
func DefaultConfig() Config {
	return Config{
		FlushPeriodSec:  0.25,
		EnableSignalCSV: true,
		EnableMarkerCSV: true,
		IncludeKColumn:  true,
		SignalDir:       "data/synced",
		MarkerDir:       "data/markers",
	}
}

// rowState is one open (uncommitted) signal row keyed by k.
type rowState struct {
	tQ       float64
	cols     map[string]string
	spike    string
	openedAt time.Time
}

// Exporter assembles wide CSV rows from the synchronizer's payload stream.
// One Exporter per session; construct with NewExporter then call Start.
type Exporter struct {
	mu sync.Mutex

	channels     []string // device:channel, schema order, fixed at construction
	channelIndex map[string]bool
	delta        float64
	decimals     int

	lookaheadRows int64
	flushRows     int
	flushPeriod   time.Duration
	idleWatermark time.Duration
	includeK      bool

	openRows     map[int64]*rowState
	tqByK        map[int64]float64
	eventChanges map[int64]string
	kSeenMax     int64

	defaultEvent         string
	stickyEvent          string
	initialMarkerEmitted bool

	pendingCommitted int
	lastFlush        time.Time
	lastActivity     time.Time

	q         *queue.Queue[acq.Payload]
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	cfg Config

	sessionID    string
	signalPath   string
	markerPath   string
	signalFile   *os.File
	markerFile   *os.File
	signalWriter *csv.Writer
	markerWriter *csv.Writer

	log *logrus.Logger
}

// NewExporter builds an exporter for the given ordered channel schema
// (device:channel strings, §4.7), the session's grid delta, decimals and
// default sticky event label.
func NewExporter(logger *logrus.Logger, channels []string, delta float64, decimals int, defaultEvent string, cfg Config) (*Exporter, error) {
	if len(channels) == 0 {
		return nil, xerrors.ErrEmptySchema
	}
	if !(delta > 0) {
		return nil, xerrors.New("exporter: delta must be > 0", map[string]interface{}{"delta": delta})
	}

	fsMax := 1.0 / delta

	lookaheadRows := int64(0)
	if cfg.LookaheadSec > 0 {
		lookaheadRows = int64(math.Ceil(cfg.LookaheadSec * fsMax))
	}

	flushPeriodSec := cfg.FlushPeriodSec
	if flushPeriodSec <= 0 {
		flushPeriodSec = 0.25
	}

	flushRows := cfg.FlushRows
	if flushRows <= 0 {
		est := int(math.Round(fsMax * flushPeriodSec))
		flushRows = clampInt(est, 64, 2048)
	}

	index := make(map[string]bool, len(channels))
	for _, c := range channels {
		index[c] = true
	}

	sessionID := uuid.New().String()

	e := &Exporter{
		channels:      channels,
		channelIndex:  index,
		delta:         delta,
		decimals:      decimals,
		lookaheadRows: lookaheadRows,
		flushRows:     flushRows,
		flushPeriod:   time.Duration(flushPeriodSec * float64(time.Second)),
		idleWatermark: time.Duration(cfg.IdleWatermarkSec * float64(time.Second)),
		includeK:      cfg.IncludeKColumn,
		openRows:      make(map[int64]*rowState),
		tqByK:         make(map[int64]float64),
		eventChanges:  make(map[int64]string),
		kSeenMax:      -1,
		defaultEvent:  defaultEvent,
		stickyEvent:   defaultEvent,
		q:             queue.New[acq.Payload](0, "export"),
		cfg:           cfg,
		sessionID:     sessionID,
		log:           logger,
	}
	e.signalPath = filepath.Join(cfg.SignalDir, fmt.Sprintf("synced_%s.csv", sessionID))
	e.markerPath = filepath.Join(cfg.MarkerDir, fmt.Sprintf("markers_%s.csv", sessionID))
	return e, nil
}

// SessionID returns the uuid used to name this exporter's output files.
func (e *Exporter) SessionID() string { return e.sessionID }

// TryPut satisfies acq.Sink so the exporter can be registered directly as
// a synchronizer sink queue (§4.1, §6).
func (e *Exporter) TryPut(p acq.Payload) bool {
	return e.q.TryPut(p)
}

// Start opens the configured CSV files, writes their headers, and
// launches the single worker goroutine.
func (e *Exporter) Start() error {
	if e.cfg.EnableSignalCSV {
		if err := os.MkdirAll(e.cfg.SignalDir, 0o755); err != nil {
			return xerrors.Wrap(err, "exporter: failed to create signal dir", nil)
		}
		f, err := os.Create(e.signalPath)
		if err != nil {
			return xerrors.Wrap(err, "exporter: failed to create signal file", nil)
		}
		e.signalFile = f
		e.signalWriter = csv.NewWriter(f)
		if err := e.signalWriter.Write(e.signalHeader()); err != nil {
			return xerrors.Wrap(err, "exporter: failed to write signal header", nil)
		}
		e.signalWriter.Flush()
		e.log.WithField("path", e.signalPath).Info("export: signal CSV enabled")
	} else {
		e.log.Info("export: signal CSV disabled")
	}

	if e.cfg.EnableMarkerCSV {
		if err := os.MkdirAll(e.cfg.MarkerDir, 0o755); err != nil {
			return xerrors.Wrap(err, "exporter: failed to create marker dir", nil)
		}
		f, err := os.Create(e.markerPath)
		if err != nil {
			return xerrors.Wrap(err, "exporter: failed to create marker file", nil)
		}
		e.markerFile = f
		e.markerWriter = csv.NewWriter(f)
		if err := e.markerWriter.Write([]string{"t_q", "event", "spike", "source"}); err != nil {
			return xerrors.Wrap(err, "exporter: failed to write marker header", nil)
		}
		e.markerWriter.Flush()
		e.log.WithField("path", e.markerPath).Info("export: marker CSV enabled")
	} else {
		e.log.Info("export: marker CSV disabled")
	}

	now := time.Now()
	e.lastFlush = now
	e.lastActivity = now
	e.stopCh = make(chan struct{})

	e.wg.Add(1)
	go e.runLoop()
	return nil
}

// Stop signals the worker to exit, waits for it, commits every remaining
// open row, flushes and closes the output files.
func (e *Exporter) Stop() {
	if e.stopCh == nil {
		return
	}

	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.q.Close()
		e.wg.Wait()

		e.mu.Lock()
		e.commitUntil(math.MaxInt64)
		e.flushIO()
		obsmetrics.RecordExportFlush("stop")
		e.mu.Unlock()

		if e.signalFile != nil {
			e.signalFile.Close()
		}
		if e.markerFile != nil {
			e.markerFile.Close()
		}
		e.log.Info("export: stopped")
	})
}

func (e *Exporter) signalHeader() []string {
	header := make([]string, 0, len(e.channels)+4)
	if e.includeK {
		header = append(header, "k")
	}
	header = append(header, "t_q")
	header = append(header, e.channels...)
	header = append(header, "spike", "event")
	return header
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
