package stream

import (
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"github.com/dgnsrekt/streamsync/internal/keycache"
)

// processQueue is the subscription half of the advance pass. It transmits at
// most one subscription per call so sync identifiers and catch-up tracking
// stay unambiguous.
func (e *Engine) processQueue() {
	if e.phase != phaseOpen {
		return
	}
	if len(e.active) == 0 && len(e.queue) == 0 {
		return
	}

	// Fresh connect or reconnect: nothing is in flight.
	if e.syncSent == "" {
		if len(e.active) > 0 && (e.syncComplete == "" || e.syncStarted != e.syncComplete) {
			// The active subscription's catch-up never finished; the
			// server may have lost it across the reconnect, so tell it
			// again what to replay.
			e.send(change{specs: e.activeSpecs(), labels: e.inflightLabels})
			return
		}
		if len(e.queue) > 0 {
			e.send(e.popQueue())
		}
		return
	}

	// A send is in flight; wait for its catch-up to complete.
	if e.syncComplete != e.syncSent {
		return
	}

	for len(e.queue) > 0 {
		ch := e.popQueue()
		if e.skippable(ch) {
			// Already streaming exactly this; the completed catch-up
			// satisfies it without another send.
			e.finish(ch.labels)
			continue
		}
		e.send(ch)
		return
	}
}

// send merges the change into the active subscription, assigns the next sync
// identifier, and transmits the full subscription payload.
func (e *Engine) send(ch change) {
	merged := make(map[string]activeEntry, len(e.active)+len(ch.specs))
	for g, entry := range e.active {
		merged[g] = entry
	}
	for g, spec := range ch.specs {
		entry := activeEntry{spec: spec}
		if prev, ok := e.active[g]; ok {
			entry.cache = prev.cache
		} else {
			entry.cache = keycache.New()
		}
		merged[g] = entry
	}

	e.nextSync++
	id := strconv.FormatUint(e.nextSync, 10)

	payload := subscribePayload{
		SyncID:    id,
		Known:     make(map[string]string, len(merged)),
		Subscribe: make(map[string]map[string]any, len(merged)),
	}
	for g, entry := range merged {
		payload.Known[g] = entry.cache.Known()

		fields := entry.spec.Wire()
		wire := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			wire[k] = v
		}
		wire["since"] = entry.cache.MaxSeq()
		payload.Subscribe[g] = wire
	}

	e.active = merged

	data, _ := json.Marshal(payload)
	if err := e.conn.Send(data); err != nil {
		// The transport reports the failure through the close path;
		// the reconnect re-send recovers this subscription.
		e.logger.Warn("subscription send failed", zap.Error(err))
	}

	e.syncSent = id
	e.syncStarted = ""
	e.syncComplete = ""
	e.inflightLabels = ch.labels

	e.logger.Debug("subscription sent",
		zap.String("sync_id", id),
		zap.Int("groups", len(merged)),
	)
}

// skippable reports whether every group in the change is already active with
// a value-equal spec. Partial overlaps are not skippable.
func (e *Engine) skippable(ch change) bool {
	for g, spec := range ch.specs {
		entry, ok := e.active[g]
		if !ok || !entry.spec.Equal(spec) {
			return false
		}
	}
	return true
}

// finish resolves a change's loaded notification, dropping empty labels.
func (e *Engine) finish(labels []string) {
	if e.cb.OnLoaded == nil {
		return
	}
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != "" {
			out = append(out, l)
		}
	}
	e.cb.OnLoaded(out)
}

func (e *Engine) popQueue() change {
	ch := e.queue[0]
	e.queue = e.queue[1:]
	return ch
}

func (e *Engine) activeSpecs() map[string]Spec {
	specs := make(map[string]Spec, len(e.active))
	for g, entry := range e.active {
		specs[g] = entry.spec
	}
	return specs
}
