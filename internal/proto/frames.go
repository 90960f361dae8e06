package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeMessage    = "M"
	TypeSyncIDs    = "SYNC_IDS"
	TypeSyncReq    = "SYNC_REQ"
	TypeSyncMsgs   = "SYNC_MSGS"
	TypeLegacySync = "S"
)

var ErrUnknownFrame = errors.New("unknown frame type")

// Frame is the closed set of post-handshake frames.
type Frame interface {
	Type() string
	isFrame()
}

type MessageFrame struct {
	Message Message
}

type SyncIDs struct {
	IDs []string
}

type SyncReq struct {
	IDs []string
}

type SyncMsgs struct {
	Messages []Message
}

// LegacySync is the older batch frame; its messages are stored but not relayed.
type LegacySync struct {
	Messages []Message
}

func (MessageFrame) Type() string { return TypeMessage }
func (SyncIDs) Type() string      { return TypeSyncIDs }
func (SyncReq) Type() string      { return TypeSyncReq }
func (SyncMsgs) Type() string     { return TypeSyncMsgs }
func (LegacySync) Type() string   { return TypeLegacySync }

func (MessageFrame) isFrame() {}
func (SyncIDs) isFrame()      {}
func (SyncReq) isFrame()      {}
func (SyncMsgs) isFrame()     {}
func (LegacySync) isFrame()   {}

type idsWire struct {
	T   string   `json:"t"`
	IDs []string `json:"ids"`
}

type msgsWire struct {
	T string    `json:"t"`
	M []Message `json:"m"`
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func EncodeFrame(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case MessageFrame:
		return json.Marshal(struct {
			T string `json:"t"`
			Message
		}{T: TypeMessage, Message: v.Message})
	case SyncIDs:
		return json.Marshal(idsWire{T: TypeSyncIDs, IDs: nonNil(v.IDs)})
	case SyncReq:
		return json.Marshal(idsWire{T: TypeSyncReq, IDs: nonNil(v.IDs)})
	case SyncMsgs:
		return json.Marshal(msgsWire{T: TypeSyncMsgs, M: nonNil(v.Messages)})
	case LegacySync:
		return json.Marshal(msgsWire{T: TypeLegacySync, M: nonNil(v.Messages)})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFrame, f)
	}
}

func DecodeFrame(data []byte) (Frame, error) {
	var hdr struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, err
	}
	switch hdr.T {
	case TypeMessage:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return MessageFrame{Message: m}, nil
	case TypeSyncIDs, TypeSyncReq:
		var w idsWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		if hdr.T == TypeSyncIDs {
			return SyncIDs{IDs: w.IDs}, nil
		}
		return SyncReq{IDs: w.IDs}, nil
	case TypeSyncMsgs, TypeLegacySync:
		var w msgsWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		if hdr.T == TypeSyncMsgs {
			return SyncMsgs{Messages: w.M}, nil
		}
		return LegacySync{Messages: w.M}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, hdr.T)
	}
}
