package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"orionmesh/internal/fsutil"
	"orionmesh/internal/proto"
)

const DefaultHistoryCap = 500

type Kind string

const (
	KindText     Kind = "TEXT"
	KindSOS      Kind = "SOS"
	KindImOK     Kind = "IM_OK"
	KindLocation Kind = "LOCATION"
	KindNeedHelp Kind = "NEED_HELP"
	KindSafeZone Kind = "SAFE_ZONE"
)

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

var sosWords = []string{"sos", "emergencia", "emergency", "ayuda", "help"}

// ClassifyKind tags free text; anything that reads like a distress call is SOS.
func ClassifyKind(text string) Kind {
	lower := strings.ToLower(text)
	for _, w := range sosWords {
		if strings.Contains(lower, w) {
			return KindSOS
		}
	}
	return KindText
}

// Entry is a denormalized display record.
type Entry struct {
	MessageID   string `json:"messageId"`
	Type        Kind   `json:"type"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
	IsOutgoing  bool   `json:"isOutgoing"`
	HopCount    int    `json:"hopCount"`
}

// History is a FIFO log capped at a fixed number of entries.
type History struct {
	mu      sync.Mutex
	saveMu  sync.Mutex
	path    string
	cap     int
	entries []Entry
}

func OpenHistory(path string, capacity int) (*History, error) {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	h := &History{path: path, cap: capacity}
	data, err := fsutil.ReadFileIfExists(path)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &h.entries); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		h.trimLocked()
	}
	return h, nil
}

// SaveMessage appends a record for msg with the displayable content.
func (h *History) SaveMessage(msg proto.Message, content string, dir Direction) error {
	return h.Record(Entry{
		MessageID:   msg.ID,
		Type:        ClassifyKind(content),
		SenderID:    msg.From,
		SenderName:  msg.FromName,
		RecipientID: msg.To,
		Content:     content,
		Timestamp:   msg.Timestamp,
		IsOutgoing:  dir == Outgoing,
		HopCount:    msg.Hops,
	})
}

func (h *History) Record(e Entry) error {
	h.mu.Lock()
	for _, cur := range h.entries {
		if cur.MessageID == e.MessageID {
			h.mu.Unlock()
			return nil
		}
	}
	if e.Type == "" {
		e.Type = KindText
	}
	h.entries = append(h.entries, e)
	h.trimLocked()
	h.mu.Unlock()
	return h.save()
}

func (h *History) trimLocked() {
	if over := len(h.entries) - h.cap; over > 0 {
		h.entries = append([]Entry(nil), h.entries[over:]...)
	}
}

// WithContact returns entries sent by or addressed to id, oldest first.
func (h *History) WithContact(id string) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Entry
	for _, e := range h.entries {
		if e.SenderID == id || e.RecipientID == id {
			out = append(out, e)
		}
	}
	return out
}

func (h *History) List() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Entry(nil), h.entries...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *History) Clear() error {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
	return h.save()
}

func (h *History) save() error {
	h.saveMu.Lock()
	defer h.saveMu.Unlock()
	entries := h.List()
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(h.path, data, 0600); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}
