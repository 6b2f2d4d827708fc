package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/clock"
	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
	"github.com/nidoit/blunux2SB/pkg/aiagent/ipc"
	"github.com/nidoit/blunux2SB/pkg/aiagent/notify"
)

// backoff is the reconnect schedule; the last step repeats.
var backoff = []time.Duration{
	time.Second, 2 * time.Second, 4 * time.Second,
	8 * time.Second, 16 * time.Second, 30 * time.Second,
}

// Backoff returns the delay before reconnect attempt n (0-based).
func Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= len(backoff) {
		n = len(backoff) - 1
	}
	return backoff[n]
}

// Conn is the relay's view of a daemon connection.
type Conn interface {
	Chat(ctx context.Context, from, body string) (ipc.Message, error)
	Poll(ctx context.Context, from string) ([]notify.Item, error)
	Close() error
}

// DialFunc opens a daemon connection.
type DialFunc func(ctx context.Context, path string) (Conn, error)

func dialIPC(ctx context.Context, path string) (Conn, error) {
	c, err := ipc.Dial(ctx, path)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Options configure a Relay.
type Options struct {
	SocketPath       string
	PollInterval     time.Duration
	MaxMessageLength int
	// ReplyTimeout bounds one forwarded message round trip.
	ReplyTimeout time.Duration
	Strings      config.Strings
	Dial         DialFunc
	Clock        clock.Clock
	Logger       *slog.Logger
}

// pollSender identifies the relay in poll requests.
const pollSender = "relay"

// Relay forwards admitted messages to the daemon and delivers queued
// notifications back out.
type Relay struct {
	opts      Options
	transport Transport
	gate      *Gate
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a relay.
func New(opts Options, transport Transport, gate *Gate) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 4000
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 10 * time.Minute
	}
	if opts.Strings.Unavailable == "" {
		opts.Strings = config.StringsFor("en")
	}
	if opts.Dial == nil {
		opts.Dial = dialIPC
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		opts:      opts,
		transport: transport,
		gate:      gate,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "relay"),
	}
}

// Run connects the transport and relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connecting %s: %w", r.transport.Name(), err)
	}
	defer r.transport.Disconnect()
	r.logger.Info("relay started", "transport", r.transport.Name(), "socket", r.opts.SocketPath)

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.pollLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return nil
		case in, ok := <-r.transport.Messages():
			if !ok {
				return errors.New("transport closed its message stream")
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.handle(ctx, in)
			}()
		}
	}
}

// handle forwards one inbound message and sends the reply back.
func (r *Relay) handle(ctx context.Context, in Inbound) {
	text, decision := r.gate.Check(in.From, in.Text)
	switch decision {
	case NotAllowed, MissingPrefix:
		r.logger.Debug("ignoring message", "from", in.From, "reason", decision)
		return
	case RateLimited:
		r.logger.Warn("rate limit exceeded", "from", in.From)
		r.reply(ctx, in, r.opts.Strings.RateLimited)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ReplyTimeout)
	defer cancel()

	conn, err := r.opts.Dial(ctx, r.opts.SocketPath)
	if err != nil {
		r.logger.Warn("daemon unreachable", "error", err)
		r.reply(ctx, in, r.opts.Strings.Unavailable)
		return
	}
	defer conn.Close()

	resp, err := conn.Chat(ctx, in.From, text)
	if err != nil {
		r.logger.Error("forwarding message failed", "from", in.From, "error", err)
		r.reply(ctx, in, r.opts.Strings.ErrorPrefix+err.Error())
		return
	}
	r.reply(ctx, in, resp.Body)
}

func (r *Relay) reply(ctx context.Context, in Inbound, text string) {
	if text == "" {
		return
	}
	text = Truncate(text, r.opts.MaxMessageLength, r.opts.Strings.Truncated)
	if err := r.transport.Send(ctx, in.From, in.Chat, text); err != nil {
		r.logger.Error("sending reply failed", "to", in.From, "error", err)
	}
}

// pollLoop drains notifications every poll interval, reconnecting with
// backoff while the daemon is unreachable.
func (r *Relay) pollLoop(ctx context.Context) {
	var conn Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	attempt := 0
	for {
		if conn == nil {
			c, err := r.opts.Dial(ctx, r.opts.SocketPath)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				delay := Backoff(attempt)
				attempt++
				r.logger.Warn("daemon unreachable, retrying", "attempt", attempt, "delay", delay, "error", err)
				if !r.sleep(ctx, delay) {
					return
				}
				continue
			}
			if attempt > 0 {
				r.logger.Info("reconnected to daemon", "attempts", attempt)
			}
			conn, attempt = c, 0
		}

		if err := r.deliver(ctx, conn); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("poll failed, reconnecting", "error", err)
			conn.Close()
			conn = nil
			continue
		}
		if !r.sleep(ctx, r.opts.PollInterval) {
			return
		}
	}
}

// deliver polls once and sends every item to its target.
func (r *Relay) deliver(ctx context.Context, conn Conn) error {
	items, err := conn.Poll(ctx, pollSender)
	if err != nil {
		return err
	}
	for _, it := range items {
		targets := []string{it.To}
		if it.To == "" {
			targets = r.gate.Recipients()
		}
		if len(targets) == 0 {
			r.logger.Warn("notification has no recipients", "rule", it.Rule)
			continue
		}
		body := Truncate(it.Body, r.opts.MaxMessageLength, r.opts.Strings.Truncated)
		for _, to := range targets {
			if err := r.transport.Send(ctx, to, "", body); err != nil {
				r.logger.Error("delivering notification failed", "rule", it.Rule, "to", to, "error", err)
			}
		}
	}
	return nil
}

func (r *Relay) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(d):
		return true
	}
}

// Truncate shortens text to at most max characters, ending with marker
// when anything was cut.
func Truncate(text string, max int, marker string) string {
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	tail := []rune("\n" + marker)
	keep := max - len(tail)
	if keep < 0 {
		return string(runes[:max])
	}
	return string(runes[:keep]) + string(tail)
}
