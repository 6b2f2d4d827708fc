package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Inbound is a message received from the external service.
type Inbound struct {
	ID   string
	From string
	// Chat is where replies go.
	Chat string
	Text string
}

// Transport is an external messaging service.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	// Send delivers text to chat. An empty chat means the sender's
	// direct conversation.
	Send(ctx context.Context, sender, chat, text string) error
	Messages() <-chan Inbound
}

// ErrDisconnected is returned by Send before Connect succeeds.
var ErrDisconnected = errors.New("transport not connected")

// discordLimit is Discord's per-message character limit.
const discordLimit = 2000

// Discord is a Transport backed by a Discord bot.
type Discord struct {
	token  string
	logger *slog.Logger

	mu       sync.Mutex
	session  *discordgo.Session
	dms      map[string]string
	messages chan Inbound
}

// NewDiscord creates a Discord transport for the bot token.
func NewDiscord(token string, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		token:    token,
		logger:   logger.With("component", "discord"),
		dms:      make(map[string]string),
		messages: make(chan Inbound, 64),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()

	if u := session.State.User; u != nil {
		d.logger.Info("discord: connected", "bot", u.Username, "id", u.ID)
	}
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	d.mu.Lock()
	session := d.session
	d.session = nil
	d.mu.Unlock()
	if session == nil {
		return nil
	}
	d.logger.Info("discord: disconnected")
	return session.Close()
}

// Messages returns inbound messages.
func (d *Discord) Messages() <-chan Inbound { return d.messages }

// Send posts text, split into chunks Discord accepts.
func (d *Discord) Send(ctx context.Context, sender, chat, text string) error {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return ErrDisconnected
	}

	if chat == "" {
		var err error
		if chat, err = d.directChannel(ctx, session, sender); err != nil {
			return err
		}
	}
	for _, chunk := range SplitMessage(text, discordLimit) {
		if _, err := session.ChannelMessageSend(chat, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord: sending to %s: %w", chat, err)
		}
	}
	return nil
}

// directChannel resolves and caches the DM channel for a user.
func (d *Discord) directChannel(ctx context.Context, session *discordgo.Session, user string) (string, error) {
	d.mu.Lock()
	id, ok := d.dms[user]
	d.mu.Unlock()
	if ok {
		return id, nil
	}
	ch, err := session.UserChannelCreate(user, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: opening DM with %s: %w", user, err)
	}
	d.mu.Lock()
	d.dms[user] = ch.ID
	d.mu.Unlock()
	return ch.ID, nil
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	in := Inbound{ID: m.ID, From: m.Author.ID, Chat: m.ChannelID, Text: m.Content}
	if m.GuildID == "" {
		d.mu.Lock()
		d.dms[m.Author.ID] = m.ChannelID
		d.mu.Unlock()
	}

	select {
	case d.messages <- in:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", m.ID)
	}
}

// SplitMessage cuts text into pieces of at most max characters,
// preferring line breaks in the second half of each piece.
func SplitMessage(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= max {
			chunks = append(chunks, string(runes))
			break
		}
		cut := max
		for i := max - 1; i > max/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}
