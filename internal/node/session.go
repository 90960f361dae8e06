package node

import (
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateSyncing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateSyncing:
		return "SYNCING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn is a bidirectional byte stream to one peer.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

const (
	DefaultSendQueue    = 256
	DefaultWriteTimeout = 15 * time.Second
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrQueueFull     = errors.New("session send queue full")
)

// Session is one live stream to a peer. All writes go through a single
// writer goroutine so frames never interleave.
type Session struct {
	conn    Conn
	addr    string
	inbound bool

	mu   sync.Mutex
	id   string
	name string

	state     atomic.Int32
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeTO   time.Duration
}

func NewSession(conn Conn, addr string, inbound bool) *Session {
	s := &Session{
		conn:    conn,
		addr:    addr,
		inbound: inbound,
		out:     make(chan []byte, DefaultSendQueue),
		done:    make(chan struct{}),
		writeTO: DefaultWriteTimeout,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) Conn() Conn    { return s.conn }
func (s *Session) Addr() string  { return s.addr }
func (s *Session) Inbound() bool { return s.inbound }
func (s *Session) State() State  { return State(s.state.Load()) }
func (s *Session) SetState(st State) {
	if s.State() == StateClosed {
		return
	}
	s.state.Store(int32(st))
}

func (s *Session) Peer() (id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.name
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) SetPeer(id, name string) {
	s.mu.Lock()
	s.id = id
	s.name = name
	s.mu.Unlock()
}

// Host is the IP part of the remote address.
func (s *Session) Host() string {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return s.addr
	}
	return host
}

// Send queues one encoded line. A full queue closes the session: a peer that
// cannot keep up is dropped and may reconnect later.
func (s *Session) Send(line []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- line:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		_ = s.Close()
		return ErrQueueFull
	}
}

// WriteLoop drains the send queue until the session closes or a write fails.
func (s *Session) WriteLoop(write func(w io.Writer, line []byte) error) error {
	for {
		select {
		case <-s.done:
			return ErrSessionClosed
		case line := <-s.out:
			if s.writeTO > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTO))
			}
			if err := write(s.conn, line); err != nil {
				_ = s.Close()
				return err
			}
		}
	}
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// SessionStore holds at most one active session per device id.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Add registers sess under its peer id. It fails when that id already has a session.
func (s *SessionStore) Add(sess *Session) bool {
	id := sess.ID()
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return false
	}
	s.sessions[id] = sess
	return true
}

// Remove drops sess only if it is still the registered session for its id.
func (s *SessionStore) Remove(sess *Session) bool {
	id := sess.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[id]; ok && cur == sess {
		delete(s.sessions, id)
		return true
	}
	return false
}

func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *SessionStore) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// List returns the active sessions sorted by peer id.
func (s *SessionStore) List() []*Session {
	return s.Except("")
}

// Except returns every session whose peer id differs from id.
func (s *SessionStore) Except(id string) []*Session {
	s.mu.Lock()
	out := make([]*Session, 0, len(s.sessions))
	for k, sess := range s.sessions {
		if id != "" && k == id {
			continue
		}
		out = append(out, sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// HasHost reports whether any active session runs to host.
func (s *SessionStore) HasHost(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Host() == host {
			return true
		}
	}
	return false
}

// CloseAll closes and forgets every session.
func (s *SessionStore) CloseAll() {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	for _, sess := range all {
		_ = sess.Close()
	}
}
