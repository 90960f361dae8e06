package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	ServiceName         = "_orion._tcp"
	ServiceDomain       = "local."
	appTag              = "orion"
	DefaultBrowseWindow = 30 * time.Second
)

// MDNS advertises this node over DNS-SD and reports other Orion nodes.
type MDNS struct {
	ID   string
	Name string
	Port int
	// PortFunc, when set, is asked for the port at Run time and wins over
	// Port. It lets a node bound to port 0 advertise the port it got.
	PortFunc func() int
	Window   time.Duration
	Logger   *zap.Logger
}

func (m *MDNS) Run(ctx context.Context, out chan<- Event) error {
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.Window <= 0 {
		m.Window = DefaultBrowseWindow
	}
	m.resolvePort()
	server, err := zeroconf.Register(m.instance(), ServiceName, ServiceDomain, m.Port, m.TXT(), nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	defer server.Shutdown()
	m.Logger.Info("mdns registered", zap.String("service", ServiceName), zap.Int("port", m.Port))

	for {
		if err := m.browse(ctx, out); err != nil {
			m.Logger.Warn("mdns browse failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// browse runs one resolver window; zeroconf only reports each entry once per browse.
func (m *MDNS) browse(ctx context.Context, out chan<- Event) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, m.Window)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(wctx, ServiceName, ServiceDomain, entries); err != nil {
		return err
	}
	for entry := range entries {
		ev, ok := m.toEvent(entry)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (m *MDNS) resolvePort() {
	if m.PortFunc == nil {
		return
	}
	if p := m.PortFunc(); p > 0 {
		m.Port = p
	}
}

func (m *MDNS) instance() string {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		name = "orion"
	}
	return name + "-" + m.ID
}

// TXT is the record set published with the service.
func (m *MDNS) TXT() []string {
	return []string{
		"id=" + m.ID,
		"name=" + m.Name,
		"port=" + strconv.Itoa(m.Port),
		"app=" + appTag,
	}
}

func txtValue(text []string, key string) string {
	prefix := key + "="
	for _, kv := range text {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}

func (m *MDNS) toEvent(entry *zeroconf.ServiceEntry) (Event, bool) {
	if entry == nil || txtValue(entry.Text, "app") != appTag {
		return Event{}, false
	}
	id := txtValue(entry.Text, "id")
	if id == "" || id == m.ID || len(entry.AddrIPv4) == 0 {
		return Event{}, false
	}
	port := entry.Port
	if p, err := strconv.Atoi(txtValue(entry.Text, "port")); err == nil && p > 0 {
		port = p
	}
	kind := PeerFound
	if entry.TTL == 0 {
		kind = PeerLost
	}
	return Event{
		Kind:   kind,
		Addr:   net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(port)),
		ID:     id,
		Name:   txtValue(entry.Text, "name"),
		Source: SourceMDNS,
	}, true
}
