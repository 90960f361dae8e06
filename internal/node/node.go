package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"orionmesh/internal/contact"
	"orionmesh/internal/crypto"
	"orionmesh/internal/peer"
	"orionmesh/internal/store"
)

// Node bundles the persistent state of one mesh participant.
type Node struct {
	Identity  *crypto.Identity
	Name      string
	Home      string
	Contacts  *contact.Store
	Messages  *store.MessageStore
	History   *store.History
	Peers     *peer.Book
	Attempted *peer.AttemptPool
	Sessions  *SessionStore
}

type Options struct {
	Name        string
	Passphrase  string
	SeenCap     int
	HistoryCap  int
	AttemptTTL  time.Duration
	PeerBookTTL time.Duration
	Now         func() time.Time
}

const (
	IdentityFile = "identity.json"
	ContactsFile = "contacts.json"
	MessagesFile = "messages.json"
	HistoryFile  = "history.json"
	PeersFile    = "peers.json"
	MetricsFile  = "metrics.json"
)

func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	id, err := crypto.GetOrCreateIdentity(filepath.Join(home, IdentityFile), opts.Passphrase, opts.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	contacts, err := contact.NewStore(filepath.Join(home, ContactsFile), contact.Options{Now: opts.Now})
	if err != nil {
		return nil, err
	}
	msgs, err := store.OpenMessageStore(filepath.Join(home, MessagesFile), store.MessageOptions{SeenCap: opts.SeenCap})
	if err != nil {
		return nil, err
	}
	history, err := store.OpenHistory(filepath.Join(home, HistoryFile), opts.HistoryCap)
	if err != nil {
		return nil, err
	}
	book, err := peer.NewBook(filepath.Join(home, PeersFile), peer.Options{TTL: opts.PeerBookTTL, Now: opts.Now})
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = DefaultName(id.DeviceID())
	}
	return &Node{
		Identity:  id,
		Name:      name,
		Home:      home,
		Contacts:  contacts,
		Messages:  msgs,
		History:   history,
		Peers:     book,
		Attempted: peer.NewAttemptPool(0, opts.AttemptTTL),
		Sessions:  NewSessionStore(),
	}, nil
}

func (n *Node) ID() string {
	return n.Identity.DeviceID()
}

// DefaultName is used when no display name is configured.
func DefaultName(deviceID string) string {
	if len(deviceID) > 4 {
		deviceID = deviceID[:4]
	}
	return "Orion-" + deviceID
}
