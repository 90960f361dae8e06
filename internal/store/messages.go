package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"orionmesh/internal/fsutil"
	"orionmesh/internal/proto"
)

const DefaultSeenCap = 50000

type MessageOptions struct {
	SeenCap int
}

// MessageStore is the authoritative message set plus the dedup set.
// seen is always a superset of the keys of msgs.
type MessageStore struct {
	mu      sync.Mutex
	saveMu  sync.Mutex
	path    string
	seenCap int
	msgs    map[string]proto.Message
	seen    map[string]struct{}
}

type SweepResult struct {
	Removed     int
	SeenRebuilt bool
}

func OpenMessageStore(path string, opts MessageOptions) (*MessageStore, error) {
	if opts.SeenCap <= 0 {
		opts.SeenCap = DefaultSeenCap
	}
	s := &MessageStore{
		path:    path,
		seenCap: opts.SeenCap,
		msgs:    make(map[string]proto.Message),
		seen:    make(map[string]struct{}),
	}
	data, err := fsutil.ReadFileIfExists(path)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	if len(data) > 0 {
		var list []proto.Message
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		for _, m := range list {
			if m.ID == "" {
				continue
			}
			s.msgs[m.ID] = m
			s.seen[m.ID] = struct{}{}
		}
	}
	return s, nil
}

// Insert stores m and marks it seen unless its id was already seen.
// It reports whether m was new.
func (s *MessageStore) Insert(m proto.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[m.ID]; ok {
		return false
	}
	s.seen[m.ID] = struct{}{}
	s.msgs[m.ID] = m
	return true
}

func (s *MessageStore) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

func (s *MessageStore) Get(id string) (proto.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	return m, ok
}

func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *MessageStore) SeenLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// IDs lists every stored id in sorted order.
func (s *MessageStore) IDs() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.msgs))
	for id := range s.msgs {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// List returns every stored message ordered by timestamp, then id.
func (s *MessageStore) List() []proto.Message {
	s.mu.Lock()
	out := make([]proto.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m)
	}
	s.mu.Unlock()
	sortMessages(out)
	return out
}

// Unknown returns the ids from theirs that were never seen here.
func (s *MessageStore) Unknown(theirs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	dup := make(map[string]struct{}, len(theirs))
	for _, id := range theirs {
		if id == "" {
			continue
		}
		if _, ok := dup[id]; ok {
			continue
		}
		dup[id] = struct{}{}
		if _, ok := s.seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Missing returns the stored messages whose ids are absent from theirs.
func (s *MessageStore) Missing(theirs []string) []proto.Message {
	have := make(map[string]struct{}, len(theirs))
	for _, id := range theirs {
		have[id] = struct{}{}
	}
	s.mu.Lock()
	var out []proto.Message
	for id, m := range s.msgs {
		if _, ok := have[id]; !ok {
			out = append(out, m)
		}
	}
	s.mu.Unlock()
	sortMessages(out)
	return out
}

// Collect returns the held messages among ids; unknown ids are skipped.
func (s *MessageStore) Collect(ids []string) []proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.Message
	for _, id := range ids {
		if m, ok := s.msgs[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Sweep drops messages with a timestamp before cutoff (unix millis). When the
// dedup set has grown past its cap it is rebuilt from the remaining ids.
func (s *MessageStore) Sweep(cutoff int64) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res SweepResult
	for id, m := range s.msgs {
		if m.Timestamp < cutoff {
			delete(s.msgs, id)
			res.Removed++
		}
	}
	if len(s.seen) > s.seenCap {
		s.seen = make(map[string]struct{}, len(s.msgs))
		for id := range s.msgs {
			s.seen[id] = struct{}{}
		}
		res.SeenRebuilt = true
	}
	return res
}

// Save writes the whole store as one JSON array.
func (s *MessageStore) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	list := s.List()
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("save messages: %w", err)
	}
	return nil
}

func sortMessages(ms []proto.Message) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Timestamp != ms[j].Timestamp {
			return ms[i].Timestamp < ms[j].Timestamp
		}
		return ms[i].ID < ms[j].ID
	})
}
