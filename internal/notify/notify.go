package notify

import (
	"fmt"
	"sync"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"orionmesh/internal/proto"
	"orionmesh/internal/store"
)

// Notifier is told about every unseen arrival. text is nil when the payload
// could not be read by this node.
type Notifier interface {
	Notify(msg proto.Message, text *string, forMe bool)
}

type Func func(msg proto.Message, text *string, forMe bool)

func (f Func) Notify(msg proto.Message, text *string, forMe bool) { f(msg, text, forMe) }

// Multi fans one arrival out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(msg proto.Message, text *string, forMe bool) {
	for _, n := range m {
		if n != nil {
			n.Notify(msg, text, forMe)
		}
	}
}

// Log records arrivals at debug level.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(msg proto.Message, text *string, forMe bool) {
	if l.Logger == nil {
		return
	}
	l.Logger.Debug("message arrived",
		zap.String("msg_id", msg.ID),
		zap.String("peer", msg.From),
		zap.Bool("private", msg.Enc),
		zap.Bool("for_me", forMe),
		zap.Bool("readable", text != nil),
		zap.Int("hops", msg.Hops),
	)
}

// Desktop raises an OS notification for arrivals addressed to this node.
type Desktop struct {
	Logger *zap.Logger
	send   func(title, body string) error
	mu     sync.Mutex
}

func NewDesktop(log *zap.Logger) *Desktop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Desktop{
		Logger: log,
		send: func(title, body string) error {
			return beeep.Notify(title, body, "")
		},
	}
}

func (d *Desktop) Notify(msg proto.Message, text *string, forMe bool) {
	if !forMe {
		return
	}
	title, body := Render(msg, text)
	d.mu.Lock()
	send := d.send
	d.mu.Unlock()
	go func() {
		if err := send(title, body); err != nil {
			d.Logger.Debug("desktop notify failed", zap.Error(err))
		}
	}()
}

// Render builds the notification title and body for msg.
func Render(msg proto.Message, text *string) (string, string) {
	body := "🔒"
	check := msg.Payload
	if text != nil {
		body = *text
		check = *text
	} else if !msg.Enc {
		body = msg.Payload
	}
	sender := msg.FromName
	if sender == "" || sender == proto.UnknownName {
		sender = msg.From
		if len(sender) > 6 {
			sender = sender[:6]
		}
	}
	if store.ClassifyKind(check) == store.KindSOS && (text != nil || !msg.Enc) {
		return "🆘 EMERGENCY", fmt.Sprintf("%s: %s", sender, body)
	}
	return "📨 Message from " + sender, body
}
