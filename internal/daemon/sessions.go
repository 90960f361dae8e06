package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"orionmesh/internal/network"
	"orionmesh/internal/node"
	"orionmesh/internal/proto"
)

func (r *Runner) acceptLoop(ctx context.Context, ln network.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, network.ErrListenerClosed) {
				return nil
			}
			if r.logLimit.Allow("accept") {
				r.log.Warn("accept failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptBackoff):
			}
			continue
		}
		addr := conn.RemoteAddr().String()
		if !r.spawn(func(ctx context.Context) { r.serve(ctx, conn, addr, true) }) {
			_ = conn.Close()
			return nil
		}
	}
}

// Connect dials addr right away, bypassing discovery bookkeeping. The
// session itself runs in the background.
func (r *Runner) Connect(ctx context.Context, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if !r.Running() {
		return ErrNotRunning
	}
	r.Self.Attempted.TryAcquire(addr)
	conn, err := r.transport.Dial(ctx, addr)
	if err != nil {
		r.Metrics.IncDialFailure()
		r.Self.Attempted.Release(addr)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if !r.spawn(func(ctx context.Context) {
		r.serve(ctx, conn, addr, false)
		r.Self.Attempted.Release(addr)
	}) {
		_ = conn.Close()
		return ErrNotRunning
	}
	return nil
}

// dial is the discovery path: a failure is counted, the address stays
// claimed for the retry delay and is then released for the next event.
func (r *Runner) dial(ctx context.Context, addr string) {
	defer r.Self.Attempted.Release(addr)
	conn, err := r.transport.Dial(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.Metrics.IncDialFailure()
		if r.logLimit.Allow("dial:" + addr) {
			r.log.Info("dial failed", zap.String("addr", addr), zap.Error(err))
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.opts.RetryDelay):
		}
		return
	}
	r.serve(ctx, conn, addr, false)
}

// serve runs one session from handshake to close.
func (r *Runner) serve(ctx context.Context, conn network.Conn, addr string, inbound bool) {
	sess := node.NewSession(conn, addr, inbound)
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()
	defer sess.Close()

	sess.SetState(node.StateHandshaking)
	hello, err := proto.EncodeHello(proto.Hello{ID: r.Self.ID(), Name: r.Self.Name})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(r.opts.HandshakeTimeout))
	if err := proto.WriteLine(conn, hello); err != nil {
		r.log.Debug("send hello failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})
	reader := proto.NewLineReader(conn, proto.MaxFrameSize)
	id, name, pending, err := r.handshake(conn, reader, addr)
	if err != nil {
		r.log.Debug("handshake failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	log := r.log.With(zap.String("peer", id), zap.String("addr", addr), zap.Bool("inbound", inbound))
	if id == r.Self.ID() {
		log.Debug("rejecting connection to self")
		return
	}
	sess.SetPeer(id, name)
	if !r.Self.Sessions.Add(sess) {
		log.Debug("rejecting duplicate session")
		return
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = sess.WriteLoop(proto.WriteLine)
	}()
	defer func() {
		_ = sess.Close()
		<-writerDone
	}()
	defer r.dropSession(sess)
	r.peerCountChanged()
	log.Info("peer connected", zap.String("name", name))
	if !inbound && id != addr {
		if err := r.Self.Peers.Upsert(id, name, addr); err != nil {
			log.Warn("save peer book", zap.Error(err))
		}
	}

	sess.SetState(node.StateSyncing)
	if err := r.send(sess, proto.SyncIDs{IDs: r.Self.Messages.IDs()}); err != nil {
		return
	}
	sess.SetState(node.StateActive)

	if pending != nil {
		r.handleLine(sess, pending)
	}
	for {
		line, err := reader.ReadLine()
		if errors.Is(err, proto.ErrFrameTooLarge) {
			r.malformed(sess.ID(), err)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("session ended", zap.Error(err))
			}
			return
		}
		r.handleLine(sess, line)
	}
}

// handshake reads the peer hello. A peer that stays silent past the
// deadline is known by its address; a peer that opens with a frame is too,
// and that first line is handed back for normal processing.
func (r *Runner) handshake(conn network.Conn, reader *proto.LineReader, addr string) (id, name string, pending []byte, err error) {
	_ = conn.SetReadDeadline(time.Now().Add(r.opts.HandshakeTimeout))
	line, err := reader.ReadLine()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return addr, proto.UnknownName, nil, nil
		}
		if errors.Is(err, proto.ErrFrameTooLarge) {
			r.malformed(addr, err)
			return addr, proto.UnknownName, nil, nil
		}
		return "", "", nil, err
	}
	hello, err := proto.DecodeHello(line)
	if err != nil {
		return addr, proto.UnknownName, line, nil
	}
	return hello.ID, hello.Name, nil, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (r *Runner) malformed(peer string, err error) {
	r.Metrics.IncMalformed()
	if r.logLimit.Allow("malformed:" + peer) {
		r.log.Debug("malformed frame", zap.String("peer", peer), zap.Error(err))
	}
}

func (r *Runner) handleLine(sess *node.Session, line []byte) {
	f, err := proto.DecodeFrame(line)
	if err != nil {
		r.malformed(sess.ID(), err)
		return
	}
	r.Metrics.RecordFrame(f.Type())
	r.HandleFrame(sess, f)
}

func (r *Runner) dropSession(sess *node.Session) {
	if r.Self.Sessions.Remove(sess) {
		r.peerCountChanged()
		id, name := sess.Peer()
		r.log.Info("peer disconnected", zap.String("peer", id), zap.String("name", name))
	}
}
