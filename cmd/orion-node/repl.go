package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"orionmesh/internal/daemon"
	"orionmesh/internal/store"
)

type replHandlers struct {
	public   func(w io.Writer, text string)
	private  func(w io.Writer, id, text string)
	peers    func(w io.Writer)
	contacts func(w io.Writer)
	add      func(w io.Writer, name, code string)
	fav      func(w io.Writer, id string)
	connect  func(w io.Writer, addr string)
	id       func(w io.Writer)
	status   func(w io.Writer)
	history  func(w io.Writer, contactID string)
	unknown  func(w io.Writer, cmd string)
}

// dispatchRepl runs one input line and reports whether the REPL should exit.
// Lines without a leading slash are public messages.
func dispatchRepl(line string, w io.Writer, h replHandlers) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if h.public != nil {
			h.public(w, line)
		}
		return false
	}
	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(cmd) {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		printReplHelp(w)
	case "msg", "m":
		id, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			fmt.Fprintln(w, "usage: /msg <contact-id> <text>")
			return false
		}
		if h.private != nil {
			h.private(w, id, strings.TrimSpace(text))
		}
	case "peers":
		if h.peers != nil {
			h.peers(w)
		}
	case "contacts":
		if h.contacts != nil {
			h.contacts(w)
		}
	case "add":
		name, code, ok := cutLast(rest)
		if !ok {
			fmt.Fprintln(w, "usage: /add <name> <code>")
			return false
		}
		if h.add != nil {
			h.add(w, name, code)
		}
	case "fav":
		if rest == "" {
			fmt.Fprintln(w, "usage: /fav <contact-id>")
			return false
		}
		if h.fav != nil {
			h.fav(w, rest)
		}
	case "connect":
		if rest == "" {
			fmt.Fprintln(w, "usage: /connect <host:port>")
			return false
		}
		if h.connect != nil {
			h.connect(w, rest)
		}
	case "id":
		if h.id != nil {
			h.id(w)
		}
	case "status":
		if h.status != nil {
			h.status(w)
		}
	case "history":
		if h.history != nil {
			h.history(w, rest)
		}
	default:
		if h.unknown != nil {
			h.unknown(w, cmd)
		}
	}
	return false
}

// cutLast splits "some name CODE" into the name and the final word.
func cutLast(s string) (string, string, bool) {
	i := strings.LastIndex(s, " ")
	if i <= 0 {
		return "", "", false
	}
	name, code := strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	return name, code, name != "" && code != ""
}

func printReplHelp(w io.Writer) {
	fmt.Fprintln(w, "  <text>                  send to everyone")
	fmt.Fprintln(w, "  /msg <id> <text>        private message to a contact")
	fmt.Fprintln(w, "  /contacts               list contacts")
	fmt.Fprintln(w, "  /add <name> <code>      add a contact from its shareable code")
	fmt.Fprintln(w, "  /fav <id>               toggle favorite")
	fmt.Fprintln(w, "  /peers                  connected peers")
	fmt.Fprintln(w, "  /connect <host:port>    dial a peer manually")
	fmt.Fprintln(w, "  /history [id]           recent messages")
	fmt.Fprintln(w, "  /id                     this device's id and code")
	fmt.Fprintln(w, "  /status                 connection status")
	fmt.Fprintln(w, "  /quit")
}

// lockedWriter serializes REPL output with asynchronous arrivals.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

var (
	publicColor  = color.New(color.FgCyan)
	privateColor = color.New(color.FgMagenta, color.Bold)
	sosColor     = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgHiBlack)
)

func formatDelivery(d daemon.Delivery) string {
	m := d.Message
	ts := time.UnixMilli(m.Timestamp).Format("15:04")
	who := fmt.Sprintf("%s (%s)", m.FromName, m.From)
	switch {
	case store.ClassifyKind(d.Text) == store.KindSOS && d.Readable:
		return sosColor.Sprintf("[%s] SOS %s: %s", ts, who, d.Text)
	case m.Enc && d.ForMe:
		return privateColor.Sprintf("[%s] %s → you: %s", ts, who, d.Text)
	case m.Enc:
		return infoColor.Sprintf("[%s] %s → %s: %s", ts, who, m.To, d.Text)
	default:
		return publicColor.Sprintf("[%s] %s: %s", ts, who, d.Text)
	}
}

func banner(w io.Writer, r *daemon.Runner) {
	self := r.Self
	fmt.Fprintln(w, color.New(color.Bold).Sprintf("Orion mesh · %s", self.Name))
	fmt.Fprintf(w, "Device: %s\n", self.ID())
	fmt.Fprintf(w, "Code:   %s\n", self.Identity.ShareableCode())
	fmt.Fprintf(w, "Listen: %s\n", r.ListenAddr())
	fmt.Fprintf(w, "Status: %s\n", r.Status())
	fmt.Fprintln(w, "Type a message to broadcast, /help for commands.")
}

func newReplHandlers(ctx context.Context, r *daemon.Runner) replHandlers {
	self := r.Self
	return replHandlers{
		public: func(w io.Writer, text string) {
			if _, err := r.SendPublic(text); err != nil {
				fmt.Fprintf(w, "send failed: %v\n", err)
			}
		},
		private: func(w io.Writer, id, text string) {
			if _, err := r.SendToContact(id, text); err != nil {
				fmt.Fprintf(w, "send failed: %v\n", err)
			}
		},
		peers: func(w io.Writer) {
			sessions := self.Sessions.List()
			if len(sessions) == 0 {
				fmt.Fprintln(w, "no peers connected")
				return
			}
			for _, s := range sessions {
				id, name := s.Peer()
				fmt.Fprintf(w, "%s %s addr=%s state=%s\n", id, name, s.Addr(), s.State())
			}
		},
		contacts: func(w io.Writer) {
			list := self.Contacts.List()
			if len(list) == 0 {
				fmt.Fprintln(w, "no contacts")
				return
			}
			for _, c := range list {
				star := " "
				if c.IsFavorite {
					star = "*"
				}
				fmt.Fprintf(w, "%s %s %s\n", star, c.ID, c.Name)
			}
		},
		add: func(w io.Writer, name, code string) {
			c, err := self.Contacts.Add(name, code)
			if err != nil {
				fmt.Fprintf(w, "add failed: %v\n", err)
				return
			}
			fmt.Fprintf(w, "contact %s saved as %s\n", c.ID, c.Name)
		},
		fav: func(w io.Writer, id string) {
			c, err := self.Contacts.ToggleFavorite(strings.ToUpper(id))
			if err != nil {
				fmt.Fprintf(w, "favorite failed: %v\n", err)
				return
			}
			fmt.Fprintf(w, "%s favorite=%v\n", c.ID, c.IsFavorite)
		},
		connect: func(w io.Writer, addr string) {
			dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := r.Connect(dctx, addr); err != nil {
				fmt.Fprintf(w, "connect failed: %v\n", err)
				return
			}
			fmt.Fprintf(w, "connecting to %s\n", addr)
		},
		id: func(w io.Writer) {
			fmt.Fprintf(w, "id:   %s\ncode: %s\n", self.ID(), self.Identity.ShareableCode())
		},
		status: func(w io.Writer) {
			fmt.Fprintf(w, "%s, %d stored messages\n", r.Status(), self.Messages.Len())
		},
		history: func(w io.Writer, contactID string) {
			entries := self.History.List()
			if contactID != "" {
				entries = self.History.WithContact(strings.ToUpper(contactID))
			}
			if len(entries) > 20 {
				entries = entries[len(entries)-20:]
			}
			for _, e := range entries {
				dir := "<"
				if e.IsOutgoing {
					dir = ">"
				}
				ts := time.UnixMilli(e.Timestamp).Format("01-02 15:04")
				fmt.Fprintf(w, "%s %s %s %s: %s\n", ts, dir, e.Type, e.SenderName, e.Content)
			}
		},
		unknown: func(w io.Writer, cmd string) {
			fmt.Fprintf(w, "unknown command /%s (try /help)\n", cmd)
		},
	}
}

// repl reads commands until /quit, EOF or ctx ends, printing arrivals as
// they come in.
func repl(ctx context.Context, r *daemon.Runner, in io.Reader, out io.Writer) {
	w := &lockedWriter{w: out}
	banner(w, r)
	r.OnMessage(func(d daemon.Delivery) {
		fmt.Fprintln(w, formatDelivery(d))
	})
	r.OnPeerCount(func(int) {
		fmt.Fprintln(w, infoColor.Sprintf("· %s", r.Status()))
	})

	handlers := newReplHandlers(ctx, r)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || dispatchRepl(line, w, handlers) {
				return
			}
		}
	}
}
