package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"orionmesh/internal/config"
	"orionmesh/internal/contact"
	"orionmesh/internal/daemon"
	"orionmesh/internal/node"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "id":
		return withNode("id", args[1:], stdout, stderr, runID)
	case "contacts":
		return runContacts(args[1:], stdout, stderr)
	case "history":
		return runHistory(args[1:], stdout, stderr)
	case "messages":
		return withNode("messages", args[1:], stdout, stderr, runMessages)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: orion <id|contacts|history|messages> [args] [--data-dir DIR]")
	fmt.Fprintln(w, "  id                          show device id and shareable code")
	fmt.Fprintln(w, "  contacts [list]             list contacts, favorites first")
	fmt.Fprintln(w, "  contacts add <name> <code>  add or refresh a contact")
	fmt.Fprintln(w, "  contacts rm <id>            remove a contact")
	fmt.Fprintln(w, "  contacts fav <id>           toggle favorite")
	fmt.Fprintln(w, "  history [list] [--contact ID] [--n 20]")
	fmt.Fprintln(w, "  history clear")
	fmt.Fprintln(w, "  messages [--n 20]           stored mesh messages as this device sees them")
}

type nodeCmd func(self *node.Node, fs *pflag.FlagSet, stdout io.Writer) int

// withNode parses the shared flags plus extra, opens the node state and
// hands the positional arguments on through fs.
func withNode(name string, args []string, stdout, stderr io.Writer, fn nodeCmd, extra ...func(*pflag.FlagSet)) int {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.BindFlags(fs)
	fs.Int("n", 20, "max entries")
	for _, e := range extra {
		e(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}
	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	self, err := node.NewNode(cfg.DataDir, node.Options{
		Name:       cfg.Name,
		Passphrase: cfg.Passphrase(),
		HistoryCap: cfg.Gossip.HistoryCap,
		SeenCap:    cfg.Gossip.SeenCap,
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s: node unavailable: %v\n", name, err)
		return 1
	}
	return fn(self, fs, stdout)
}

func runID(self *node.Node, _ *pflag.FlagSet, stdout io.Writer) int {
	fmt.Fprintf(stdout, "id:   %s\n", self.ID())
	fmt.Fprintf(stdout, "name: %s\n", self.Name)
	fmt.Fprintf(stdout, "code: %s\n", self.Identity.ShareableCode())
	return 0
}

func runContacts(args []string, stdout, stderr io.Writer) int {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}
	return withNode("contacts "+sub, args, stdout, stderr, func(self *node.Node, fs *pflag.FlagSet, stdout io.Writer) int {
		rest := fs.Args()
		switch sub {
		case "list":
			printContacts(stdout, self.Contacts.List())
			return 0
		case "add":
			if len(rest) < 2 {
				fmt.Fprintln(stdout, "usage: orion contacts add <name> <code>")
				return 1
			}
			name := strings.Join(rest[:len(rest)-1], " ")
			c, err := self.Contacts.Add(name, rest[len(rest)-1])
			if err != nil {
				fmt.Fprintf(stdout, "add failed: %v\n", err)
				return 1
			}
			fmt.Fprintf(stdout, "saved %s %s\n", c.ID, c.Name)
			return 0
		case "rm":
			if len(rest) != 1 {
				fmt.Fprintln(stdout, "usage: orion contacts rm <id>")
				return 1
			}
			if err := self.Contacts.Remove(strings.ToUpper(rest[0])); err != nil {
				fmt.Fprintf(stdout, "remove failed: %v\n", err)
				return 1
			}
			fmt.Fprintf(stdout, "removed %s\n", strings.ToUpper(rest[0]))
			return 0
		case "fav":
			if len(rest) != 1 {
				fmt.Fprintln(stdout, "usage: orion contacts fav <id>")
				return 1
			}
			c, err := self.Contacts.ToggleFavorite(strings.ToUpper(rest[0]))
			if err != nil {
				fmt.Fprintf(stdout, "favorite failed: %v\n", err)
				return 1
			}
			fmt.Fprintf(stdout, "%s favorite=%v\n", c.ID, c.IsFavorite)
			return 0
		default:
			fmt.Fprintf(stdout, "unknown contacts subcommand: %s\n", sub)
			return 1
		}
	})
}

func printContacts(w io.Writer, list []contact.Contact) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no contacts")
		return
	}
	for _, c := range list {
		star := " "
		if c.IsFavorite {
			star = "*"
		}
		added := time.UnixMilli(c.AddedAt).Format("2006-01-02")
		fmt.Fprintf(w, "%s %s %-20s added=%s\n", star, c.ID, c.Name, added)
	}
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}
	var contactID string
	withContact := func(fs *pflag.FlagSet) {
		fs.StringVar(&contactID, "contact", "", "only messages with this contact")
	}
	return withNode("history "+sub, args, stdout, stderr, func(self *node.Node, fs *pflag.FlagSet, stdout io.Writer) int {
		switch sub {
		case "list":
			entries := self.History.List()
			if contactID != "" {
				entries = self.History.WithContact(strings.ToUpper(contactID))
			}
			n, _ := fs.GetInt("n")
			if n > 0 && len(entries) > n {
				entries = entries[len(entries)-n:]
			}
			for _, e := range entries {
				dir := "<"
				if e.IsOutgoing {
					dir = ">"
				}
				ts := time.UnixMilli(e.Timestamp).Format("2006-01-02 15:04")
				fmt.Fprintf(stdout, "%s %s %-9s %s (%s) hops=%d: %s\n", ts, dir, e.Type, e.SenderName, e.SenderID, e.HopCount, e.Content)
			}
			return 0
		case "clear":
			if err := self.History.Clear(); err != nil {
				fmt.Fprintf(stdout, "clear failed: %v\n", err)
				return 1
			}
			fmt.Fprintln(stdout, "history cleared")
			return 0
		default:
			fmt.Fprintf(stdout, "unknown history subcommand: %s\n", sub)
			return 1
		}
	}, withContact)
}

// runMessages prints the stored mesh traffic, opening what this identity can read.
func runMessages(self *node.Node, fs *pflag.FlagSet, stdout io.Writer) int {
	r, err := daemon.NewRunner(self, daemon.Options{SnapInterval: -1})
	if err != nil {
		fmt.Fprintf(stdout, "messages: %v\n", err)
		return 1
	}
	msgs := self.Messages.List()
	n, _ := fs.GetInt("n")
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	for _, m := range msgs {
		text, _ := r.Decrypt(m)
		to := "all"
		if m.To != "" {
			to = m.To
		}
		ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04")
		fmt.Fprintf(stdout, "%s %s -> %s ttl=%d hops=%d: %s\n", ts, m.From, to, m.TTL, m.Hops, text)
	}
	return 0
}
