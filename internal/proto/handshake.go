package proto

import (
	"encoding/json"
	"errors"
	"strings"
)

const AnnounceTag = "ORION"

var ErrBadHello = errors.New("bad handshake")

// Hello is the first line each side writes on a new stream.
type Hello struct {
	ID   string `json:"id"`
	Name string `json:"n"`
}

func EncodeHello(h Hello) ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHello rejects tagged lines so a peer that skips the handshake and
// starts with a frame is not mistaken for one.
func DecodeHello(data []byte) (Hello, error) {
	var w struct {
		T string `json:"t"`
		Hello
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return Hello{}, err
	}
	h := w.Hello
	h.ID = strings.TrimSpace(h.ID)
	if w.T != "" || h.ID == "" {
		return Hello{}, ErrBadHello
	}
	if h.Name == "" {
		h.Name = UnknownName
	}
	return h, nil
}

// Announce is the periodic datagram advertising a stream endpoint.
type Announce struct {
	ID   string
	Name string
	Port int
}

type announceWire struct {
	T    string `json:"t"`
	ID   string `json:"id"`
	Name string `json:"n"`
	Port int    `json:"p"`
}

func EncodeAnnounce(a Announce) ([]byte, error) {
	return json.Marshal(announceWire{T: AnnounceTag, ID: a.ID, Name: a.Name, Port: a.Port})
}

func DecodeAnnounce(data []byte) (Announce, error) {
	var w announceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Announce{}, err
	}
	if w.T != AnnounceTag || w.ID == "" || w.Port <= 0 || w.Port > 65535 {
		return Announce{}, errors.New("not an announce datagram")
	}
	return Announce{ID: w.ID, Name: w.Name, Port: w.Port}, nil
}
