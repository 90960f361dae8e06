package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orionmesh/internal/discovery"
	"orionmesh/internal/logging"
	"orionmesh/internal/metrics"
	"orionmesh/internal/network"
	"orionmesh/internal/node"
	"orionmesh/internal/notify"
	"orionmesh/internal/proto"
)

const (
	DefaultListenAddr       = ":8888"
	DefaultRetention        = 30 * 24 * time.Hour
	DefaultSweepInterval    = 60 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRetryDelay       = 10 * time.Second
	DefaultAttemptReset     = 30 * time.Second
	DefaultSnapInterval     = 5 * time.Second

	acceptBackoff = 100 * time.Millisecond
	eventBuffer   = 64
)

var (
	ErrRunning    = errors.New("runner already started")
	ErrNotRunning = errors.New("runner not running")
)

// Runner owns the gossip engine and the session manager of one node.
type Runner struct {
	Self    *node.Node
	Metrics *metrics.Metrics

	opts      Options
	log       *zap.Logger
	logLimit  *logging.Limiter
	transport network.Transport
	events    chan discovery.Event

	listenMu   sync.RWMutex
	listenAddr string

	stickyMu sync.Mutex
	sticky   map[string]discovery.Event

	mu       sync.Mutex
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	running  atomic.Bool
	sessions sync.WaitGroup

	obsMu     sync.RWMutex
	onMessage []func(Delivery)
	onPeers   []func(int)
}

type Options struct {
	Transport  network.Transport
	ListenAddr string
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Notifier   notify.Notifier
	Sources    []discovery.Source
	// Announce enables the UDP fallback when non-nil.
	Announce *network.Announcer

	InitialTTL       int
	Retention        time.Duration
	SweepInterval    time.Duration
	Sign             bool
	HandshakeTimeout time.Duration
	RetryDelay       time.Duration
	AttemptReset     time.Duration

	// SnapPath defaults to metrics.json under the node home. Set SnapInterval
	// negative to disable the writer.
	SnapPath     string
	SnapInterval time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ListenAddr == "" {
		o.ListenAddr = DefaultListenAddr
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.InitialTTL <= 0 {
		o.InitialTTL = proto.DefaultTTL
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.AttemptReset <= 0 {
		o.AttemptReset = DefaultAttemptReset
	}
	if o.SnapInterval == 0 {
		o.SnapInterval = DefaultSnapInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Delivery is what observers see for every newly stored message.
type Delivery struct {
	Message  proto.Message
	Text     string
	Readable bool
	ForMe    bool
}

func NewRunner(self *node.Node, opts Options) (*Runner, error) {
	if self == nil {
		return nil, fmt.Errorf("missing node")
	}
	opts = opts.withDefaults()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Transport == nil {
		t, err := network.New(network.KindTCP, network.Options{Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		opts.Transport = t
	}
	if opts.SnapPath == "" {
		opts.SnapPath = filepath.Join(self.Home, node.MetricsFile)
	}
	r := &Runner{
		Self:      self,
		Metrics:   opts.Metrics,
		opts:      opts,
		log:       opts.Logger.With(zap.String("device_id", self.ID())),
		logLimit:  logging.NewLimiter(30 * time.Second),
		transport: opts.Transport,
		events:    make(chan discovery.Event, eventBuffer),
		sticky:    make(map[string]discovery.Event),
	}
	r.Metrics.SetStored(self.Messages.Len())
	return r, nil
}

// OnMessage registers fn for every newly stored incoming message.
func (r *Runner) OnMessage(fn func(Delivery)) {
	r.obsMu.Lock()
	r.onMessage = append(r.onMessage, fn)
	r.obsMu.Unlock()
}

// OnPeerCount registers fn for session count changes.
func (r *Runner) OnPeerCount(fn func(int)) {
	r.obsMu.Lock()
	r.onPeers = append(r.onPeers, fn)
	r.obsMu.Unlock()
}

// Start binds the listener and launches the background tasks. A listen
// failure is returned; everything after that is logged and retried.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx != nil {
		return ErrRunning
	}
	ln, err := r.transport.Listen(r.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.opts.ListenAddr, err)
	}
	r.setListenAddr(ln.Addr().String())

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	r.runCtx, r.cancel = gctx, cancel
	r.done = make(chan struct{})
	r.running.Store(true)

	g.Go(func() error { return r.acceptLoop(gctx, ln) })
	g.Go(func() error { return r.dispatch(gctx) })
	g.Go(func() error {
		every(gctx, r.opts.SweepInterval, func() { r.Sweep() })
		return nil
	})
	g.Go(func() error {
		every(gctx, r.opts.AttemptReset, func() { r.resetAttempts(gctx) })
		return nil
	})
	if r.opts.SnapInterval > 0 {
		g.Go(func() error {
			every(gctx, r.opts.SnapInterval, r.writeSnapshot)
			return nil
		})
	}
	for _, src := range r.opts.Sources {
		g.Go(func() error {
			if err := src.Run(gctx, r.events); err != nil && gctx.Err() == nil {
				r.log.Warn("discovery source stopped", zap.Error(err))
			}
			return nil
		})
	}
	if r.opts.Announce != nil {
		r.startAnnounce(gctx, g)
	}
	g.Go(func() error {
		r.redialBook(gctx)
		return nil
	})

	r.log.Info("node started",
		zap.String("name", r.Self.Name),
		zap.String("listen", ln.Addr().String()),
		zap.String("transport", r.transport.Kind()),
	)
	r.peerCountChanged()

	done := r.done
	go func() {
		err := g.Wait()
		_ = ln.Close()
		r.mu.Lock()
		cancel()
		r.runCtx = nil
		r.mu.Unlock()
		r.Self.Sessions.CloseAll()
		r.sessions.Wait()
		r.running.Store(false)
		if err := r.Self.Messages.Save(); err != nil {
			r.log.Warn("save messages", zap.Error(err))
		}
		r.writeSnapshot()
		r.runErr = err
		close(done)
	}()
	return nil
}

// Stop cancels every task, closes all sessions and waits for them.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil || done == nil {
		return ErrNotRunning
	}
	cancel()
	<-done
	r.log.Info("node stopped")
	return r.runErr
}

// Done is closed once a started runner has fully stopped.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Runner) Running() bool { return r.running.Load() }

// RunWithContext starts the runner, reports the bound address on ready and
// blocks until ctx ends.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- string) error {
	if r == nil {
		return fmt.Errorf("missing runner")
	}
	if err := r.Start(ctx); err != nil {
		return err
	}
	if ready != nil {
		select {
		case ready <- r.ListenAddr():
		default:
		}
	}
	<-ctx.Done()
	return r.Stop()
}

// Status is the one-line summary shown to users.
func (r *Runner) Status() string {
	if !r.Running() {
		return "inactive"
	}
	n := r.Self.Sessions.Count()
	if n == 0 {
		return "searching"
	}
	return fmt.Sprintf("connected (%d)", n)
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

func (r *Runner) ListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

// ListenPort is the bound stream port, 0 before Start.
func (r *Runner) ListenPort() int {
	_, port, err := net.SplitHostPort(r.ListenAddr())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// spawn runs fn on its own tracked goroutine while the runner is up.
func (r *Runner) spawn(fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx == nil || r.runCtx.Err() != nil {
		return false
	}
	ctx := r.runCtx
	r.sessions.Add(1)
	go func() {
		defer r.sessions.Done()
		fn(ctx)
	}()
	return true
}

func (r *Runner) peerCountChanged() {
	n := r.Self.Sessions.Count()
	r.Metrics.SetSessions(n)
	r.obsMu.RLock()
	obs := append([]func(int){}, r.onPeers...)
	r.obsMu.RUnlock()
	for _, fn := range obs {
		fn(n)
	}
}

func (r *Runner) writeSnapshot() {
	if r.opts.SnapPath == "" {
		return
	}
	r.Metrics.SetSessions(r.Self.Sessions.Count())
	r.Metrics.SetStored(r.Self.Messages.Len())
	snap := r.Metrics.Snapshot()
	snap.DeviceID = r.Self.ID()
	snap.Status = r.Status()
	if err := metrics.WriteSnapshot(r.opts.SnapPath, snap); err != nil && r.logLimit.Allow("snapshot") {
		r.log.Warn("write metrics snapshot", zap.Error(err))
	}
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
