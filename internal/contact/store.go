package contact

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"orionmesh/internal/crypto"
	"orionmesh/internal/fsutil"
)

var ErrNotFound = errors.New("contact not found")

// Contact is a peer whose shareable code was exchanged out of band.
type Contact struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PublicKey  string `json:"publicKey"`
	AddedAt    int64  `json:"addedAt"`
	IsFavorite bool   `json:"isFavorite"`
}

type Options struct {
	Now func() time.Time
}

type Store struct {
	mu       sync.Mutex
	path     string
	now      func() time.Time
	contacts []Contact
}

func NewStore(path string, opts Options) (*Store, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{path: path, now: opts.Now}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := fsutil.ReadFileIfExists(s.path)
	if err != nil {
		return fmt.Errorf("read contacts: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var list []Contact
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode contacts: %w", err)
	}
	seen := make(map[string]bool, len(list))
	for _, c := range list {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		s.contacts = append(s.contacts, c)
	}
	return nil
}

func (s *Store) persistLocked() error {
	out := s.contacts
	if out == nil {
		out = []Contact{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path, data, 0600)
}

func (s *Store) indexLocked(id string) int {
	for i := range s.contacts {
		if s.contacts[i].ID == id {
			return i
		}
	}
	return -1
}

// Add registers the owner of code. Adding a known code returns the existing contact unchanged.
func (s *Store) Add(name, code string) (Contact, error) {
	code = strings.TrimSpace(code)
	id, err := crypto.ContactIDFromCode(code)
	if err != nil {
		return Contact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.contacts[i], nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	c := Contact{ID: id, Name: name, PublicKey: code, AddedAt: s.now().UnixMilli()}
	s.contacts = append(s.contacts, c)
	if err := s.persistLocked(); err != nil {
		s.contacts = s.contacts[:len(s.contacts)-1]
		return Contact{}, fmt.Errorf("save contacts: %w", err)
	}
	return c, nil
}

func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	prev := s.contacts
	next := make([]Contact, 0, len(prev)-1)
	next = append(next, prev[:i]...)
	next = append(next, prev[i+1:]...)
	s.contacts = next
	if err := s.persistLocked(); err != nil {
		s.contacts = prev
		return fmt.Errorf("save contacts: %w", err)
	}
	return nil
}

func (s *Store) ToggleFavorite(id string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Contact{}, ErrNotFound
	}
	s.contacts[i].IsFavorite = !s.contacts[i].IsFavorite
	if err := s.persistLocked(); err != nil {
		s.contacts[i].IsFavorite = !s.contacts[i].IsFavorite
		return Contact{}, fmt.Errorf("save contacts: %w", err)
	}
	return s.contacts[i], nil
}

func (s *Store) Get(id string) (Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.contacts[i], true
	}
	return Contact{}, false
}

// GetBySenderKey looks a contact up by the id derived from code.
func (s *Store) GetBySenderKey(code string) (Contact, bool) {
	id, err := crypto.ContactIDFromCode(code)
	if err != nil {
		return Contact{}, false
	}
	return s.Get(id)
}

// List returns favorites first, each group in insertion order.
func (s *Store) List() []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		if c.IsFavorite {
			out = append(out, c)
		}
	}
	for _, c := range s.contacts {
		if !c.IsFavorite {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contacts)
}
