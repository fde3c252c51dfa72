// Package mockserver implements the server half of the subscription protocol
// for development and tests: catch-up replay against since/known cursors and
// live broadcast of store mutations.
package mockserver

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// record is the latest state of one entity, live or tombstoned.
type record struct {
	id      int64
	seq     int64
	deleted bool
	body    json.RawMessage // full wire value for live records
}

// Store is an in-memory, per-group sequence-ordered entity log.
type Store struct {
	mu     sync.RWMutex
	seq    map[string]int64
	groups map[string]map[int64]*record
}

func NewStore() *Store {
	return &Store{
		seq:    make(map[string]int64),
		groups: make(map[string]map[int64]*record),
	}
}

// Upsert stores the entity fields under the given group and id, assigns the
// group's next sequence number, and returns the wire value.
func (s *Store) Upsert(group string, id int64, fields map[string]any) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[group]++
	seq := s.seq[group]

	body := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		body[k] = v
	}
	body["id"] = id
	body["seq"] = seq
	raw, _ := json.Marshal(body)

	if s.groups[group] == nil {
		s.groups[group] = make(map[int64]*record)
	}
	s.groups[group][id] = &record{id: id, seq: seq, body: raw}
	return raw
}

// Delete tombstones the given ids under the group's next sequence numbers.
func (s *Store) Delete(group string, ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.groups[group] == nil {
		s.groups[group] = make(map[int64]*record)
	}
	for _, id := range ids {
		s.seq[group]++
		s.groups[group][id] = &record{id: id, seq: s.seq[group], deleted: true}
	}
}

// Since computes the catch-up delta for one group: live records with a
// sequence past the cursor, in sequence order, plus the subset of the
// client's known keys that no longer exist.
func (s *Store) Since(group string, since int64, known []int64) (upserts []json.RawMessage, deleted []int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := make(map[int64]bool)
	var recent []*record
	for _, rec := range s.groups[group] {
		if !rec.deleted {
			live[rec.id] = true
		}
		if rec.seq > since && !rec.deleted {
			recent = append(recent, rec)
		}
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].seq < recent[j].seq })
	for _, rec := range recent {
		upserts = append(upserts, rec.body)
	}

	for _, id := range known {
		if !live[id] {
			deleted = append(deleted, id)
		}
	}
	return upserts, deleted
}

// Stats returns the live record count per group.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int, len(s.groups))
	for group, recs := range s.groups {
		n := 0
		for _, rec := range recs {
			if !rec.deleted {
				n++
			}
		}
		stats[group] = n
	}
	return stats
}

// snapshotEntity is one seed record: an id plus arbitrary entity fields.
type snapshotEntity map[string]any

// LoadSnapshot seeds the store from a JSON file mapping group names to
// entity lists. Files ending in .zst are zstd-compressed.
func (s *Store) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("creating zstd reader: %w", err)
		}
		defer dec.Close()
		reader = dec
	}

	var snapshot map[string][]snapshotEntity
	if err := json.NewDecoder(reader).Decode(&snapshot); err != nil {
		return fmt.Errorf("decoding snapshot %s: %w", path, err)
	}

	for group, entities := range snapshot {
		for _, ent := range entities {
			idVal, ok := ent["id"].(float64)
			if !ok {
				return fmt.Errorf("snapshot entity in %q missing numeric id", group)
			}
			fields := make(map[string]any, len(ent))
			for k, v := range ent {
				if k == "id" || k == "seq" {
					continue
				}
				fields[k] = v
			}
			s.Upsert(group, int64(idVal), fields)
		}
	}
	return nil
}
