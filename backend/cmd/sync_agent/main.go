package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"studioSync/backend/internal/agent"
	"studioSync/backend/internal/coalesce"
	"studioSync/backend/internal/config"
	"studioSync/backend/internal/protocol"
	"studioSync/backend/internal/relay"
)

func main() {
	flags := pflag.NewFlagSet("sync_agent", pflag.ContinueOnError)
	flags.String("server", "", "websocket URL of the sync server")
	flags.String("day", "", "record day to follow")
	flags.String("session", "", "session credential")
	flags.Duration("debounce", 0, "quiet window before an edit is committed")
	flags.String("relay", "", "relay channel shared with other agents on this machine")
	flags.BoolP("help", "h", false, "show help")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("parse flags: %v", err)
	}
	if help, _ := flags.GetBool("help"); help {
		printHelp(flags)
		return
	}

	v := config.New()
	for key, flag := range map[string]string{
		"sync.serverUrl":      "server",
		"sync.recordDay":      "day",
		"session.token":       "session",
		"sync.debounceWindow": "debounce",
		"sync.relayChannel":   "relay",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatalf("bind flag %s: %v", flag, err)
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base, err := restBase(cfg.Sync.ServerURL)
	if err != nil {
		log.Fatalf("server url: %v", err)
	}
	a := agent.New(
		agent.WSDialer{URL: cfg.Sync.ServerURL, CookieName: cfg.Session.Cookie, Session: cfg.Session.Token},
		agent.NewRESTCollaborator(base, cfg.Session.Token, nil),
		agent.Options{ReconnectDelay: cfg.Sync.ReconnectDelay},
	)
	defer a.Close()

	// Other agents on this machine only share a relay when Redis is configured.
	var opener relay.Opener = relay.NewBus()
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: cfg.Redis.Addrs, Password: cfg.Redis.Password})
		defer rdb.Close()
		opener = relay.NewRedisBus(rdb)
	}
	rl := relay.New(opener, cfg.Sync.RelayChannel, a)
	if err := rl.Start(ctx); err != nil {
		log.Printf("relay unavailable: %v", err)
	}
	defer rl.Close()

	begin := coalesce.ForAgent(a)
	edits := coalesce.New(func(entityID, field string) coalesce.Pending {
		return &announced{Pending: begin(entityID, field), relay: rl, agent: a}
	}, coalesce.Options{
		Window: cfg.Sync.DebounceWindow,
		OnError: func(entityID, field string, err error) {
			fmt.Printf("! %s.%s not saved: %v\n", entityID, field, err)
		},
	})
	defer func() {
		if err := edits.Flush(); err != nil {
			log.Printf("flush on exit: %v", err)
		}
	}()

	if cfg.Sync.RecordDay != "" {
		a.SelectTopic(cfg.Sync.RecordDay)
	}
	go printChanges(ctx, a)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := run(ctx, line, a, edits, rl); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

// run handles one input line: "/day <id>", "/flush", "/notify <kind> [topic]" or
// "<assignmentId> <field> <value>".
func run(ctx context.Context, line string, a *agent.Agent, edits *coalesce.Coalescer, rl *relay.Relay) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "/") {
		parts := strings.Fields(line)
		switch parts[0] {
		case "/day":
			if err := edits.Flush(); err != nil {
				log.Printf("flush before switch: %v", err)
			}
			day := ""
			if len(parts) > 1 {
				day = parts[1]
			}
			a.SelectTopic(day)
			return nil
		case "/flush":
			return edits.Flush()
		case "/notify":
			if len(parts) < 2 {
				return errors.New("usage: /notify <contestants|seating|booking|all> [recordDayId]")
			}
			topic := ""
			if len(parts) > 2 {
				topic = parts[2]
			}
			return rl.Notify(ctx, relay.Kind(parts[1]), topic)
		default:
			return fmt.Errorf("unknown command %s", parts[0])
		}
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return errors.New("usage: <assignmentId> <field> <value>")
	}
	if a.Topic() == "" {
		return agent.ErrNoTopic
	}
	return edits.Edit(parts[0], parts[1], parseValue(parts[2]))
}

// parseValue takes JSON as is and anything else as a plain string.
func parseValue(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return protocol.MustValue(s)
}

// announced tells the other agents on this machine about every commit that went through.
type announced struct {
	coalesce.Pending
	relay *relay.Relay
	agent *agent.Agent
}

func (p *announced) Commit(ctx context.Context) error {
	if err := p.Pending.Commit(ctx); err != nil {
		return err
	}
	if err := p.relay.Notify(ctx, relay.Seating, p.agent.Topic()); err != nil {
		log.Printf("relay notify: %v", err)
	}
	return nil
}

func printChanges(ctx context.Context, a *agent.Agent) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.Changes():
		}
		fmt.Printf("-- %s %s (%s)\n", a.Topic(), a.State(), time.Now().Format(time.TimeOnly))
		for _, e := range a.Entries() {
			fields := make([]string, 0, len(e.Fields))
			for k, v := range e.Fields {
				fields = append(fields, k+"="+string(v))
			}
			sort.Strings(fields)
			fmt.Printf("%-12s %-10s %s\n", e.ID, e.State, strings.Join(fields, " "))
		}
	}
}

// restBase turns ws://host:port/booking/ws into http://host:port.
func restBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path, u.RawQuery = "", ""
	return u.String(), nil
}

func printHelp(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `sync_agent follows one record day and edits its seat assignments.

Input lines:
  <assignmentId> <field> <value>   edit a field (committed after the quiet window)
  /day <recordDayId>               switch record day (empty to disconnect)
  /flush                           commit pending edits now
  /notify <kind> [recordDayId]     tell other agents to re-fetch

Flags:
`)
	flags.PrintDefaults()
}
