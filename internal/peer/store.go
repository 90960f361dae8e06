package peer

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"orionmesh/internal/fsutil"
)

const (
	DefaultBookCap = 256
	DefaultBookTTL = 7 * 24 * time.Hour
)

// Peer is the last known stream endpoint of a device.
type Peer struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Addr     string `json:"addr"`
	LastSeen int64  `json:"lastSeen"`
}

type Options struct {
	Cap int
	TTL time.Duration
	Now func() time.Time
}

// Book remembers where peers were last reached so they can be redialed after a restart.
type Book struct {
	mu     sync.Mutex
	saveMu sync.Mutex
	path   string
	cap    int
	ttl    time.Duration
	now    func() time.Time
	peers  map[string]Peer
}

func NewBook(path string, opts Options) (*Book, error) {
	if opts.Cap <= 0 {
		opts.Cap = DefaultBookCap
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultBookTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Book{path: path, cap: opts.Cap, ttl: opts.TTL, now: opts.Now, peers: make(map[string]Peer)}
	data, err := fsutil.ReadFileIfExists(path)
	if err != nil {
		return nil, fmt.Errorf("read peer book: %w", err)
	}
	if len(data) > 0 {
		var list []Peer
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode peer book: %w", err)
		}
		for _, p := range list {
			if p.ID == "" || p.Addr == "" {
				continue
			}
			b.peers[p.ID] = p
		}
		b.pruneLocked()
	}
	return b, nil
}

// Upsert records addr for id. Only the host part of addr is validated.
func (b *Book) Upsert(id, name, addr string) error {
	if id == "" {
		return fmt.Errorf("missing peer id")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("bad peer addr %q: %w", addr, err)
	}
	b.mu.Lock()
	b.peers[id] = Peer{ID: id, Name: name, Addr: addr, LastSeen: b.now().UnixMilli()}
	b.pruneLocked()
	b.mu.Unlock()
	return b.save()
}

func (b *Book) Get(id string) (Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[id]
	return p, ok
}

// List returns peers most recently seen first.
func (b *Book) List() []Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedLocked()
}

func (b *Book) sortedLocked() []Peer {
	out := make([]Peer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (b *Book) pruneLocked() {
	cutoff := b.now().Add(-b.ttl).UnixMilli()
	for id, p := range b.peers {
		if p.LastSeen < cutoff {
			delete(b.peers, id)
		}
	}
	if len(b.peers) <= b.cap {
		return
	}
	sorted := b.sortedLocked()
	for _, p := range sorted[b.cap:] {
		delete(b.peers, p.ID)
	}
}

func (b *Book) save() error {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	data, err := json.MarshalIndent(b.List(), "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(b.path, data, 0600)
}
