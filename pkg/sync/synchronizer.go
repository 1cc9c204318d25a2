// Package sync implements component D, the synchronizer: per-device clock
// anchoring, grid quantization and non-blocking fan-out to full-rate and
// plot sink queues. Grounded on the original SyncManager
// (processing/sync_controller.py) and on the teacher's worker-pool single
// consumer goroutine pattern (pkg/realtime/worker_pool.go).
package sync

import (
	"math"
	"sync"
	"time"

	"biosync/internal/obsmetrics"
	"biosync/internal/xerrors"
	"biosync/pkg/acq"
	"biosync/pkg/eventbus"
	"biosync/pkg/plotsink"
	"biosync/pkg/queue"
	"biosync/pkg/spikebus"

	"github.com/sirupsen/logrus"
)

// DeviceAnchor is the per-device clock-mapping record (§3). Mutated only
// by the consumer goroutine; never touched by producer goroutines.
type DeviceAnchor struct {
	DevTS0 float64
	HostT0 float64
	Epoch  int
}

// drainTimeout bounds every blocking dequeue so stop is always responsive
// within one second (§5 cancellation).
const drainTimeout = 200 * time.Millisecond

// Synchronizer owns the ingestion queue, per-device anchors, and fan-out
// to registered sink queues. One Synchronizer per session.
type Synchronizer struct {
	mu      sync.Mutex
	started bool

	q *queue.Queue[acq.Packet]

	sessionT0  time.Time
	delta      float64
	decimals   int
	anchors    map[string]*DeviceAnchor
	lastDevTS  map[string]float64

	sinks     []acq.Sink
	plotSinks []acq.Sink
	decimator *plotsink.Decimator
	plotHz    float64

	events *eventbus.Bus
	spikes *spikebus.Bus

	consumerWG sync.WaitGroup
	stopCh     chan struct{}

	log *logrus.Logger

	// in-band marker payloads, handled by the same consumer loop as
	// samples. The loop drains this queue before taking the next sample,
	// so a marker is emitted ahead of any samples still waiting in the
	// ingestion queue rather than strictly in arrival order.
	markerQ *queue.Queue[acq.Payload]
}

// New creates a Synchronizer wired to the given event and spike buses,
// with an ingestion queue of the given capacity (<=0 means unbounded).
func New(logger *logrus.Logger, capacity int, events *eventbus.Bus, spikes *spikebus.Bus) *Synchronizer {
	return &Synchronizer{
		q:       queue.New[acq.Packet](capacity, "ingestion"),
		markerQ: queue.New[acq.Payload](0, "sync-markers"),
		anchors: make(map[string]*DeviceAnchor),
		lastDevTS: make(map[string]float64),
		events:  events,
		spikes:  spikes,
		log:     logger,
	}
}

// AddSinkQueue registers a full-rate sink. Valid only before StartSession
// or between sessions (§4.1).
func (s *Synchronizer) AddSinkQueue(sink acq.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// AddPlotSinkQueue registers a decimated plot sink.
func (s *Synchronizer) AddPlotSinkQueue(sink acq.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plotSinks = append(s.plotSinks, sink)
}

// SetPlotDecimateHz configures the plot decimation rate. <=0 disables
// decimation (every sample passes through to plot sinks unchanged).
func (s *Synchronizer) SetPlotDecimateHz(hz float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plotHz = hz
}

// StartSession sets the host timebase origin, computes decimals from
// delta, and starts the single consumer goroutine. Idempotent: calling
// twice returns xerrors.ErrAlreadyStarted and does nothing else.
func (s *Synchronizer) StartSession(delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return xerrors.ErrAlreadyStarted
	}
	if !(delta > 0) {
		return xerrors.New("synchronizer: delta must be > 0", map[string]interface{}{"delta": delta})
	}

	s.delta = delta
	s.decimals = decimalsFromDelta(delta)
	s.sessionT0 = time.Now()
	s.anchors = make(map[string]*DeviceAnchor)
	s.lastDevTS = make(map[string]float64)

	if s.plotHz > 0 {
		s.decimator = plotsink.NewDecimator(s.log, fanOutSink{plots: s.plotSinks})
		s.decimator.SetDefaultBinWidth(plotsink.BinWidth(delta, s.plotHz))
	} else {
		s.decimator = nil
	}

	s.started = true
	s.stopCh = make(chan struct{})

	s.log.WithFields(logrus.Fields{
		"component": "synchronizer", "delta": delta, "decimals": s.decimals,
	}).Info("sync: session started")

	s.consumerWG.Add(1)
	go s.consumeLoop()
	return nil
}

// StopSession signals the consumer to stop, waits for it to exit, and
// clears all per-session state and sink registrations. Safe to call even
// if the session was never started.
func (s *Synchronizer) StopSession() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.mu.Unlock()

	s.consumerWG.Wait()

	s.mu.Lock()
	s.started = false
	s.anchors = make(map[string]*DeviceAnchor)
	s.lastDevTS = make(map[string]float64)
	s.sinks = nil
	s.plotSinks = nil
	s.decimator = nil
	s.mu.Unlock()

	s.log.WithField("component", "synchronizer").Info("sync: session stopped")
}

// EnqueuePacket is the non-blocking producer-facing entry point (§4.1,
// §6). Drop-oldest applies when the ingestion queue is bounded and full.
func (s *Synchronizer) EnqueuePacket(deviceTS float64, deviceName string, channels []acq.ChannelPair) {
	evicted := s.q.EnqueueDropOldest(acq.Packet{DeviceTS: deviceTS, DeviceName: deviceName, Channels: channels})
	if evicted {
		obsmetrics.RecordPacketDropped(deviceName)
	} else {
		obsmetrics.RecordPacketEnqueued(deviceName)
	}
}

// SetEvent quantizes now against the session timebase, asks the event bus
// to resolve the toggle, and enqueues the resolved event payload into the
// consumer's in-band marker queue (§4.1, §5). The consumer emits it before
// any samples still waiting in the ingestion queue.
func (s *Synchronizer) SetEvent(label, source string) (newLabel, prev string, err error) {
	if source == "" {
		return "", "", xerrors.ErrMissingSource
	}
	k, tQ, err := s.quantizeNow()
	if err != nil {
		return "", "", err
	}

	newLabel, prev = s.events.Set(label, source)
	obsmetrics.RecordEventChange()
	payload := acq.Payload{Kind: acq.KindEvent, TQ: tQ, K: k, Label: newLabel, PrevLabel: prev, Source: source}
	s.markerQ.EnqueueDropOldest(payload)
	return newLabel, prev, nil
}

// TriggerSpike mirrors SetEvent for the stateless spike bus.
func (s *Synchronizer) TriggerSpike(label, source string) error {
	if source == "" {
		return xerrors.ErrMissingSource
	}
	k, tQ, err := s.quantizeNow()
	if err != nil {
		return err
	}

	s.spikes.Fire(label, source)
	obsmetrics.RecordSpikeFire()
	payload := acq.Payload{Kind: acq.KindSpike, TQ: tQ, K: k, Label: label, Source: source}
	s.markerQ.EnqueueDropOldest(payload)
	return nil
}

func (s *Synchronizer) quantizeNow() (int64, float64, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return 0, 0, xerrors.ErrNotStarted
	}
	hostTS := time.Since(s.sessionT0).Seconds()
	delta, decimals := s.delta, s.decimals
	s.mu.Unlock()

	k, tQ := quantize(hostTS, delta, decimals)
	return k, tQ, nil
}

// consumeLoop is the single consumer goroutine: it drains samples from
// the ingestion queue and markers from the in-band marker queue, maps
// device time to host time, quantizes, and fans out to every sink.
func (s *Synchronizer) consumeLoop() {
	defer s.consumerWG.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if payload, ok := s.markerQ.TryDequeue(); ok {
			s.emitToSinks(payload)
			continue
		}

		pkt, ok := s.q.DequeueTimeout(drainTimeout)
		if !ok {
			continue
		}
		s.handleSamplePacket(pkt)
	}
}

// handleSamplePacket maps, quantizes and fans out one sample packet. Any
// failure is logged and swallowed; the consumer never dies mid-session
// (§4.1 failure semantics).
func (s *Synchronizer) handleSamplePacket(pkt acq.Packet) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("sync: recovered panic handling sample packet")
		}
	}()

	hostTS := s.mapToHost(pkt.DeviceName, pkt.DeviceTS)

	s.mu.Lock()
	delta, decimals := s.delta, s.decimals
	s.mu.Unlock()

	k, tQ := quantize(hostTS, delta, decimals)
	payload := acq.Payload{Kind: acq.KindSample, TQ: tQ, K: k, Device: pkt.DeviceName, Channels: pkt.Channels}
	s.emitToSinks(payload)
}

// mapToHost implements the per-device anchor mapping and backward-clock
// detection described in §3 and §4.1 step 3.
func (s *Synchronizer) mapToHost(device string, deviceTS float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	anchor, ok := s.anchors[device]
	if !ok {
		anchor = &DeviceAnchor{DevTS0: deviceTS, HostT0: time.Since(s.sessionT0).Seconds()}
		s.anchors[device] = anchor
		s.lastDevTS[device] = deviceTS
		s.log.WithField("device", device).Info("sync: anchor created")
		return anchor.HostT0
	}

	if deviceTS+1e-12 < s.lastDevTS[device] {
		anchor.DevTS0 = deviceTS
		anchor.HostT0 = time.Since(s.sessionT0).Seconds()
		anchor.Epoch++
		obsmetrics.RecordAnchorEpochBump(device)
		s.log.WithFields(logrus.Fields{"device": device, "epoch": anchor.Epoch}).Warn("sync: device clock jump detected, anchor reset")
	}
	s.lastDevTS[device] = deviceTS

	hostTS := anchor.HostT0 + (deviceTS - anchor.DevTS0)
	if hostTS < 0 {
		hostTS = 0
	}
	return hostTS
}

func (s *Synchronizer) emitToSinks(payload acq.Payload) {
	s.mu.Lock()
	sinks := append([]acq.Sink(nil), s.sinks...)
	plotSinks := append([]acq.Sink(nil), s.plotSinks...)
	decimator := s.decimator
	s.mu.Unlock()

	for _, sink := range sinks {
		if !sink.TryPut(payload) {
			obsmetrics.RecordSinkDrop("full-rate")
			s.log.WithField("component", "synchronizer").Warn("sync: sink queue full, dropping payload")
		}
	}

	if len(plotSinks) == 0 {
		return
	}

	if decimator == nil || payload.Kind != acq.KindSample {
		for _, sink := range plotSinks {
			sink.TryPut(payload)
		}
		return
	}

	decimator.TryPut(payload)
}

// fanOutSink forwards to every registered plot sink; used as the
// underlying sink wrapped by the synchronizer's Decimator so every
// registered plot queue gets a decimated stream.
type fanOutSink struct {
	plots []acq.Sink
}

func (f fanOutSink) TryPut(p acq.Payload) bool {
	ok := true
	for _, sink := range f.plots {
		if !sink.TryPut(p) {
			ok = false
		}
	}
	return ok
}

// quantize implements §3/§4.1 step 4: round-half-up to the grid, then
// floor to `decimals` places.
func quantize(hostTS, delta float64, decimals int) (int64, float64) {
	k := int64(hostTS/delta + 0.5)
	tQ := float64(k) * delta
	return k, floorToDecimals(tQ, decimals)
}

func floorToDecimals(x float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Floor(x)
	}
	p := math.Pow(10, float64(decimals))
	return math.Floor(x*p) / p
}

// DecimalsFromDelta computes the formatting precision for t_q (§4.1:
// decimals = max(0, ceil(-log10(delta)) + 1)). Exported so callers that
// format t_q outside the synchronizer (the exporter, at construction time)
// stay consistent with what the synchronizer itself quantizes to.
func DecimalsFromDelta(delta float64) int {
	return decimalsFromDelta(delta)
}

func decimalsFromDelta(delta float64) int {
	if !(delta > 0) {
		return 6
	}
	d := math.Ceil(-math.Log10(delta)) + 1
	if d < 0 {
		d = 0
	}
	return int(d)
}
