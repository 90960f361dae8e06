package daemon

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orionmesh/internal/crypto"
	"orionmesh/internal/metrics"
	"orionmesh/internal/node"
	"orionmesh/internal/proto"
	"orionmesh/internal/store"
)

const (
	LockedPlaceholder = "🔒"
	FailedPlaceholder = "❌"

	// syncBatch bounds the messages carried by one SYNC_MSGS frame.
	syncBatch = 200
)

var (
	ErrEmptyText         = errors.New("empty message")
	ErrRecipientMismatch = errors.New("recipient code does not belong to recipient id")
	ErrUnknownContact    = errors.New("unknown contact")
	ErrNotForMe          = errors.New("message addressed to another device")
)

// HandleFrame applies one decoded frame received on from.
func (r *Runner) HandleFrame(from *node.Session, f proto.Frame) {
	switch v := f.(type) {
	case proto.MessageFrame:
		if r.accept(from, v.Message, true) {
			r.persist()
		}
	case proto.SyncIDs:
		r.answerSync(from, v.IDs)
	case proto.SyncReq:
		r.sendMessages(from, r.Self.Messages.Collect(v.IDs))
	case proto.SyncMsgs:
		r.acceptBatch(from, v.Messages, true)
	case proto.LegacySync:
		r.acceptBatch(from, v.Messages, false)
	}
}

func (r *Runner) acceptBatch(from *node.Session, msgs []proto.Message, relay bool) {
	stored := 0
	for _, m := range msgs {
		if r.accept(from, m, relay) {
			stored++
		}
	}
	if stored > 0 {
		r.persist()
	}
}

// accept stores m if unseen and reports whether it did. New messages are
// re-flooded to every other session while ttl remains.
func (r *Runner) accept(from *node.Session, m proto.Message, relay bool) bool {
	if err := m.Validate(); err != nil {
		r.Metrics.IncMalformed()
		r.log.Debug("drop invalid message", zap.String("msg_id", m.ID), zap.Error(err))
		return false
	}
	if m.Timestamp < r.cutoff() {
		r.Metrics.IncExpired()
		return false
	}
	if !r.verify(m) {
		r.Metrics.IncSignatureFailure()
		if r.logLimit.Allow("sig:" + m.From) {
			r.log.Warn("drop message with bad signature", zap.String("msg_id", m.ID), zap.String("peer", m.From))
		}
		return false
	}
	if !r.Self.Messages.Insert(m) {
		r.Metrics.IncDuplicate()
		return false
	}
	r.Metrics.RecordReceived(metrics.Arrival{
		ID:   m.ID,
		From: m.From,
		Hops: m.Hops,
		At:   r.opts.Now().UnixMilli(),
	})
	if relay && m.TTL > 0 {
		r.broadcast(from, m.Relayed())
	}

	text, err := r.Decrypt(m)
	if err != nil && !errors.Is(err, ErrNotForMe) {
		r.Metrics.IncDecryptFailure()
		r.log.Debug("cannot decrypt", zap.String("msg_id", m.ID), zap.String("peer", m.From))
	}
	dir := store.Incoming
	if m.From == r.Self.ID() {
		dir = store.Outgoing
	}
	if herr := r.Self.History.SaveMessage(m, text, dir); herr != nil {
		r.log.Warn("save history", zap.Error(herr))
	}
	r.deliver(m, text, err == nil)
	return true
}

func (r *Runner) cutoff() int64 {
	return r.opts.Now().Add(-r.opts.Retention).UnixMilli()
}

// verify checks the optional signature. Unsigned messages pass.
func (r *Runner) verify(m proto.Message) bool {
	if m.Sig == "" {
		return true
	}
	if m.FromKey == "" {
		return false
	}
	pub, err := crypto.ParsePublicKey(m.FromKey)
	if err != nil {
		return false
	}
	if id, err := crypto.ContactIDFromCode(m.FromKey); err != nil || id != m.From {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(m.Sig)
	if err != nil {
		return false
	}
	return crypto.Verify(pub, m.SigningBytes(), sig)
}

func (r *Runner) deliver(m proto.Message, text string, readable bool) {
	me := r.Self.ID()
	forMe := m.To == "" || m.To == me
	if m.From != me && r.opts.Notifier != nil {
		var shown *string
		if readable {
			shown = &text
		}
		r.opts.Notifier.Notify(m, shown, forMe)
	}
	r.obsMu.RLock()
	obs := append([]func(Delivery){}, r.onMessage...)
	r.obsMu.RUnlock()
	for _, fn := range obs {
		fn(Delivery{Message: m, Text: text, Readable: readable, ForMe: forMe})
	}
}

// Decrypt returns the readable text of m. Private messages for someone else
// yield the locked placeholder with ErrNotForMe; undecryptable ones the
// failed placeholder with crypto.ErrCannotDecrypt.
func (r *Runner) Decrypt(m proto.Message) (string, error) {
	if !m.Enc {
		return m.Payload, nil
	}
	if m.To != r.Self.ID() {
		return LockedPlaceholder, ErrNotForMe
	}
	sealed, err := crypto.ParseSealed(m.Payload, m.IV, m.FromKey)
	if err != nil {
		return FailedPlaceholder, crypto.ErrCannotDecrypt
	}
	plain, err := r.Self.Identity.Decrypt(sealed)
	if err != nil {
		return FailedPlaceholder, crypto.ErrCannotDecrypt
	}
	return string(plain), nil
}

// answerSync pushes what the peer lacks and asks for what we lack.
func (r *Runner) answerSync(to *node.Session, theirs []string) {
	if missing := r.Self.Messages.Missing(theirs); len(missing) > 0 {
		r.sendMessages(to, missing)
	}
	if unknown := r.Self.Messages.Unknown(theirs); len(unknown) > 0 {
		if r.send(to, proto.SyncReq{IDs: unknown}) == nil {
			r.Metrics.AddSyncRequested(len(unknown))
		}
	}
}

func (r *Runner) sendMessages(to *node.Session, msgs []proto.Message) {
	for len(msgs) > 0 {
		n := min(len(msgs), syncBatch)
		if err := r.send(to, proto.SyncMsgs{Messages: msgs[:n]}); err != nil {
			return
		}
		r.Metrics.AddSyncSent(n)
		msgs = msgs[n:]
	}
}

func (r *Runner) send(to *node.Session, f proto.Frame) error {
	line, err := proto.EncodeFrame(f)
	if err != nil {
		return err
	}
	if err := to.Send(line); err != nil {
		r.log.Debug("send failed", zap.String("peer", to.ID()), zap.String("frame", f.Type()), zap.Error(err))
		return err
	}
	return nil
}

// broadcast writes m to every session except from.
func (r *Runner) broadcast(from *node.Session, m proto.Message) int {
	line, err := proto.EncodeFrame(proto.MessageFrame{Message: m})
	if err != nil {
		r.log.Warn("encode message", zap.Error(err))
		return 0
	}
	var targets []*node.Session
	if from != nil {
		targets = r.Self.Sessions.Except(from.ID())
	} else {
		targets = r.Self.Sessions.List()
	}
	sent := 0
	for _, s := range targets {
		if s == from {
			continue
		}
		if s.Send(line) == nil {
			sent++
		}
	}
	if from != nil && sent > 0 {
		r.Metrics.IncRelayed()
	}
	return sent
}

func (r *Runner) persist() {
	if err := r.Self.Messages.Save(); err != nil && r.logLimit.Allow("save") {
		r.log.Warn("save messages", zap.Error(err))
	}
	r.Metrics.SetStored(r.Self.Messages.Len())
}

// SendPublic floods text to every reachable node.
func (r *Runner) SendPublic(text string) (proto.Message, error) {
	if strings.TrimSpace(text) == "" {
		return proto.Message{}, ErrEmptyText
	}
	m := r.newMessage()
	m.Payload = proto.TruncateText(text)
	return r.publish(m, m.Payload)
}

// SendPrivate encrypts text for one recipient and floods the ciphertext.
// recipientCode must be the shareable code of recipientID.
func (r *Runner) SendPrivate(text, recipientID, recipientCode string) (proto.Message, error) {
	if strings.TrimSpace(text) == "" {
		return proto.Message{}, ErrEmptyText
	}
	pub, err := crypto.ParsePublicKey(recipientCode)
	if err != nil {
		return proto.Message{}, fmt.Errorf("recipient key: %w", err)
	}
	id, err := crypto.ContactIDFromCode(recipientCode)
	if err != nil {
		return proto.Message{}, fmt.Errorf("recipient key: %w", err)
	}
	if !strings.EqualFold(id, strings.TrimSpace(recipientID)) {
		return proto.Message{}, ErrRecipientMismatch
	}
	text = proto.TruncateText(text)
	sealed, err := r.Self.Identity.Encrypt([]byte(text), pub)
	if err != nil {
		return proto.Message{}, err
	}
	m := r.newMessage()
	m.To = id
	m.Enc = true
	m.Payload = sealed.CiphertextString()
	m.IV = sealed.NonceString()
	return r.publish(m, text)
}

// SendToContact is SendPrivate addressed through the contact store.
func (r *Runner) SendToContact(contactID, text string) (proto.Message, error) {
	c, ok := r.Self.Contacts.Get(strings.ToUpper(strings.TrimSpace(contactID)))
	if !ok {
		return proto.Message{}, fmt.Errorf("%w: %s", ErrUnknownContact, contactID)
	}
	return r.SendPrivate(text, c.ID, c.PublicKey)
}

func (r *Runner) newMessage() proto.Message {
	return proto.Message{
		ID:        uuid.NewString(),
		From:      r.Self.ID(),
		FromName:  r.Self.Name,
		FromKey:   r.Self.Identity.ShareableCode(),
		Timestamp: r.opts.Now().UnixMilli(),
		TTL:       r.opts.InitialTTL,
	}
}

// publish stores our own message, floods it and records it as outgoing.
func (r *Runner) publish(m proto.Message, content string) (proto.Message, error) {
	if r.opts.Sign {
		sig, err := r.Self.Identity.Sign(m.SigningBytes())
		if err != nil {
			return proto.Message{}, fmt.Errorf("sign: %w", err)
		}
		m.Sig = base64.StdEncoding.EncodeToString(sig)
	}
	r.Self.Messages.Insert(m)
	sent := r.broadcast(nil, m)
	r.Metrics.IncSent()
	r.persist()
	if err := r.Self.History.SaveMessage(m, content, store.Outgoing); err != nil {
		r.log.Warn("save history", zap.Error(err))
	}
	r.log.Debug("message sent",
		zap.String("msg_id", m.ID),
		zap.Bool("private", m.Enc),
		zap.Int("sessions", sent),
	)
	return m, nil
}

// Sweep drops messages older than the retention window.
func (r *Runner) Sweep() store.SweepResult {
	res := r.Self.Messages.Sweep(r.cutoff())
	if res.Removed > 0 || res.SeenRebuilt {
		r.Metrics.AddSwept(res.Removed)
		r.persist()
		r.log.Debug("retention sweep", zap.Int("removed", res.Removed), zap.Bool("seen_rebuilt", res.SeenRebuilt))
	}
	return res
}
