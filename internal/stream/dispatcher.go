package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dgnsrekt/streamsync/internal/keycache"
)

// processInbound drains the pending message queue in strict arrival order.
// An undecodable message aborts the pass; per the protocol contract that is
// a reportable fault, not something to drop silently.
func (e *Engine) processInbound() error {
	for len(e.inbound) > 0 {
		raw := e.inbound[0]
		e.inbound = e.inbound[1:]
		if err := e.dispatch(raw); err != nil {
			return err
		}
	}
	return nil
}

// dispatch routes one inbound message: catch-up markers update the sync
// lifecycle, live updates apply against the key caches and fire callbacks,
// and updates from an abandoned sync window are discarded.
func (e *Engine) dispatch(raw []byte) error {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decoding stream message: %w", err)
	}

	// A message carrying both sync_id and complete is a catch-up marker.
	// Delta messages may carry a bare sync_id, which is not one.
	if completeRaw, ok := msg[fieldComplete]; ok {
		if syncRaw, ok := msg[fieldSyncID]; ok {
			return e.dispatchMarker(syncRaw, completeRaw)
		}
	}

	// Anything arriving before catch-up for the newest send has started
	// belongs to a subscription this client has since abandoned. Applying
	// it would corrupt the key caches.
	if e.syncSent != e.syncStarted {
		e.logger.Debug("discarding stale update",
			zap.String("sync_sent", e.syncSent),
			zap.String("sync_started", e.syncStarted),
		)
		return nil
	}

	for field, value := range msg {
		if field == fieldSyncID {
			continue
		}
		if group, ok := strings.CutSuffix(field, deletedSuffix); ok {
			if err := e.applyDelete(group, value); err != nil {
				return err
			}
			continue
		}
		if err := e.applyUpsert(field, value, msg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) dispatchMarker(syncRaw, completeRaw json.RawMessage) error {
	var id string
	if err := json.Unmarshal(syncRaw, &id); err != nil {
		return fmt.Errorf("decoding sync_id: %w", err)
	}
	var complete bool
	if err := json.Unmarshal(completeRaw, &complete); err != nil {
		return fmt.Errorf("decoding sync marker for %q: %w", id, err)
	}

	if !complete {
		e.syncStarted = id
		e.logger.Debug("catch-up started", zap.String("sync_id", id))
		return nil
	}

	if id == e.syncSent {
		e.finish(e.inflightLabels)
		e.inflightLabels = nil
	}
	e.syncComplete = id
	e.logger.Debug("catch-up complete", zap.String("sync_id", id))
	return nil
}

func (e *Engine) applyDelete(group string, value json.RawMessage) error {
	var encoded string
	if err := json.Unmarshal(value, &encoded); err != nil {
		return fmt.Errorf("decoding %s%s: %w", group, deletedSuffix, err)
	}
	keys, err := keycache.DecodeKeys(encoded)
	if err != nil {
		return fmt.Errorf("decoding %s%s: %w", group, deletedSuffix, err)
	}

	if entry, ok := e.active[group]; ok {
		entry.cache.Delete(keys)
	}
	if e.cb.OnDelete != nil {
		e.cb.OnDelete(group, keys)
	}
	return nil
}

func (e *Engine) applyUpsert(field string, value json.RawMessage, msg Message) error {
	group := field
	if mapped, ok := e.routes[field]; ok {
		group = mapped
	}

	var rec entityRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return fmt.Errorf("decoding %s entity: %w", field, err)
	}

	if entry, ok := e.active[group]; ok {
		entry.cache.Upsert(rec.ID, rec.Seq)
	}
	if e.cb.OnUpsert != nil {
		e.cb.OnUpsert(msg)
	}
	return nil
}
