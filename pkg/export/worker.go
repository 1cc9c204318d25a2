package export

import (
	"fmt"
	"math"
	"sort"
	"time"

	"biosync/internal/obsmetrics"
	"biosync/pkg/acq"
)

// runLoop is the exporter's single consumer goroutine (§4.7 worker loop).
func (e *Exporter) runLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		payload, ok := e.q.DequeueTimeout(e.flushPeriod)
		now := time.Now()

		e.mu.Lock()
		if ok {
			e.lastActivity = now
			e.handlePayload(payload)
		}

		kCommit := e.kSeenMax - e.lookaheadRows
		e.commitUntil(kCommit)

		if e.idleWatermark > 0 && now.Sub(e.lastActivity) >= e.idleWatermark {
			e.commitUntil(e.kSeenMax)
			e.flushIO()
			obsmetrics.RecordExportFlush("idle_watermark")
			e.lastActivity = now
			e.log.Warn("export: idle watermark fired, finalized open rows")
		}

		if e.pendingCommitted >= e.flushRows || now.Sub(e.lastFlush) >= e.flushPeriod {
			e.flushIO()
			if e.pendingCommitted >= e.flushRows {
				obsmetrics.RecordExportFlush("rows")
			} else {
				obsmetrics.RecordExportFlush("time")
			}
			e.lastFlush = now
			e.pendingCommitted = 0
		}
		obsmetrics.SetExportOpenRows(len(e.openRows))
		e.mu.Unlock()
	}
}

// handlePayload dispatches on payload kind. Any panic is caught and
// logged; the worker goroutine must never die (§4.7 failure semantics).
// Caller holds e.mu.
func (e *Exporter) handlePayload(p acq.Payload) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("export: recovered panic handling payload")
		}
	}()

	switch p.Kind {
	case acq.KindSample:
		e.onSample(p)
	case acq.KindEvent:
		e.onEvent(p)
	case acq.KindSpike:
		e.onSpike(p)
	}
}

func (e *Exporter) onSample(p acq.Payload) {
	if p.K > e.kSeenMax {
		e.kSeenMax = p.K
	}
	e.tqByK[p.K] = p.TQ

	row, ok := e.openRows[p.K]
	if !ok {
		row = &rowState{tQ: p.TQ, cols: make(map[string]string), openedAt: time.Now()}
		e.openRows[p.K] = row
	}

	for _, ch := range p.Channels {
		key := p.Device + ":" + ch.Name
		if !e.channelIndex[key] {
			continue
		}
		row.cols[key] = e.fmtVal(ch.Value)
	}
}

func (e *Exporter) onEvent(p acq.Payload) {
	e.eventChanges[p.K] = p.Label
	e.writeMarker(p.TQ, p.Label, "", p.Source)
}

func (e *Exporter) onSpike(p acq.Payload) {
	if p.K > e.kSeenMax {
		e.kSeenMax = p.K
	}
	e.tqByK[p.K] = p.TQ

	row, ok := e.openRows[p.K]
	if !ok {
		row = &rowState{tQ: p.TQ, cols: make(map[string]string), openedAt: time.Now()}
		e.openRows[p.K] = row
	}
	row.spike = p.Label

	e.writeMarker(p.TQ, "", p.Label, p.Source)
}

// commitUntil materializes every open row with k <= kCap, in ascending
// order, applying pending sticky-event changes as it goes (§4.7).
// Caller holds e.mu.
func (e *Exporter) commitUntil(kCap int64) {
	if e.signalWriter == nil {
		// Signal CSV disabled: still need to drop committed bookkeeping so
		// memory doesn't grow unboundedly across a long session.
		e.dropBookkeepingUntil(kCap)
		return
	}
	if len(e.tqByK) == 0 {
		return
	}

	ks := make([]int64, 0, len(e.tqByK))
	for k := range e.tqByK {
		if k <= kCap {
			ks = append(ks, k)
		}
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })

	for _, k := range ks {
		tQ, ok := e.tqByK[k]
		if !ok {
			tQ = float64(k) * e.delta
		}

		e.applyPendingEventChanges(k)

		if !e.initialMarkerEmitted {
			e.writeMarker(tQ, e.stickyEvent, "", "sync")
			e.initialMarkerEmitted = true
		}

		row := e.openRows[k]
		delete(e.openRows, k)
		delete(e.tqByK, k)

		record := make([]string, 0, len(e.channels)+4)
		if e.includeK {
			record = append(record, fmt.Sprintf("%d", k))
		}
		record = append(record, e.fmtVal(tQ))
		for _, ch := range e.channels {
			if row != nil {
				record = append(record, row.cols[ch])
			} else {
				record = append(record, "")
			}
		}
		spike := ""
		if row != nil {
			spike = row.spike
		}
		record = append(record, spike, e.stickyEvent)

		if err := e.signalWriter.Write(record); err != nil {
			e.log.WithError(err).Error("export: failed to write signal row, row lost")
		} else {
			e.pendingCommitted++
			obsmetrics.RecordExportRowsWritten("signal", 1)
			if row != nil {
				obsmetrics.ObserveExportCommitLatency(row.openedAt)
			}
		}
	}

	for k := range e.eventChanges {
		if k <= kCap {
			delete(e.eventChanges, k)
		}
	}
}

func (e *Exporter) applyPendingEventChanges(upTo int64) {
	if len(e.eventChanges) == 0 {
		return
	}
	var pending []int64
	for k := range e.eventChanges {
		if k <= upTo {
			pending = append(pending, k)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	for _, k := range pending {
		e.stickyEvent = e.eventChanges[k]
		delete(e.eventChanges, k)
	}
}

func (e *Exporter) dropBookkeepingUntil(kCap int64) {
	for k := range e.tqByK {
		if k <= kCap {
			delete(e.tqByK, k)
			delete(e.openRows, k)
		}
	}
	e.applyPendingEventChanges(kCap)
}

func (e *Exporter) writeMarker(tQ float64, event, spike, source string) {
	if e.markerWriter == nil {
		return
	}
	record := []string{e.fmtVal(tQ), event, spike, source}
	if err := e.markerWriter.Write(record); err != nil {
		e.log.WithError(err).Error("export: failed to write marker row, row lost")
	} else {
		obsmetrics.RecordExportRowsWritten("marker", 1)
	}
}

func (e *Exporter) flushIO() {
	if e.signalWriter != nil {
		e.signalWriter.Flush()
		if err := e.signalWriter.Error(); err != nil {
			e.log.WithError(err).Error("export: signal CSV flush error")
		}
	}
	if e.markerWriter != nil {
		e.markerWriter.Flush()
		if err := e.markerWriter.Error(); err != nil {
			e.log.WithError(err).Error("export: marker CSV flush error")
		}
	}
}

// fmtVal formats a numeric value using the session's decimals, mapping a
// missing sample to an empty CSV cell (§3, §6).
func (e *Exporter) fmtVal(v float64) string {
	if acq.IsMissing(v) {
		return ""
	}
	if math.IsInf(v, 0) {
		return ""
	}
	return fmt.Sprintf("%.*f", e.decimals, v)
}
