package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	DefaultTTL  = 50
	MaxTextLen  = 500
	UnknownName = "?"
)

var ErrInvalidMessage = errors.New("invalid message")

// Message is one unit of gossip replication. Empty optional strings mean absent.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"f"`
	FromName  string `json:"fn"`
	FromKey   string `json:"fk,omitempty"`
	To        string `json:"to,omitempty"`
	Payload   string `json:"tx"`
	IV        string `json:"iv,omitempty"`
	Enc       bool   `json:"e"`
	Timestamp int64  `json:"ts"`
	TTL       int    `json:"ttl"`
	Hops      int    `json:"h"`
	Sig       string `json:"sg,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		FromName *string `json:"fn"`
		TTL      *int    `json:"ttl"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.FromName = UnknownName
	if aux.FromName != nil && *aux.FromName != "" {
		m.FromName = *aux.FromName
	}
	m.TTL = DefaultTTL
	if aux.TTL != nil {
		m.TTL = *aux.TTL
	}
	return nil
}

// Validate checks the structural rules a received message must satisfy.
func (m Message) Validate() error {
	if m.ID == "" || m.From == "" {
		return fmt.Errorf("%w: missing id or sender", ErrInvalidMessage)
	}
	if m.TTL < 0 || m.Hops < 0 {
		return fmt.Errorf("%w: negative ttl or hops", ErrInvalidMessage)
	}
	if m.Enc && (m.To == "" || m.IV == "") {
		return fmt.Errorf("%w: private message without recipient or nonce", ErrInvalidMessage)
	}
	return nil
}

// IsPrivate reports whether the payload is sealed for a single recipient.
func (m Message) IsPrivate() bool { return m.Enc }

// Relayed returns the copy sent onward: one less ttl, one more hop.
func (m Message) Relayed() Message {
	out := m
	out.TTL--
	out.Hops++
	return out
}

// SigningBytes covers the fields fixed at creation; ttl and hops change per relay.
func (m Message) SigningBytes() []byte {
	var b strings.Builder
	for _, part := range []string{
		m.ID, m.From, m.FromName, m.FromKey, m.To, m.Payload, m.IV,
		strconv.FormatBool(m.Enc),
		strconv.FormatInt(m.Timestamp, 10),
	} {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// TruncateText limits s to MaxTextLen characters.
func TruncateText(s string) string {
	if utf8.RuneCountInString(s) <= MaxTextLen {
		return s
	}
	r := []rune(s)
	return string(r[:MaxTextLen])
}
