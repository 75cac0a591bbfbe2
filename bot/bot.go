// Package bot is the Discord surface: prefix commands for managing the
// watch-list and the notifier that announces detected changes.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/onnwee/game-tender/steamapi"
	"github.com/onnwee/game-tender/telemetry"
	"github.com/onnwee/game-tender/tracker"
)

// Tracker is the watch-list used by commands.
type Tracker interface {
	Track(ctx context.Context, gameID int64, name string, channelID, userID int64) error
	Untrack(ctx context.Context, gameID, channelID, userID int64) (bool, error)
	List(opts ...tracker.ListOption) []tracker.Summary
}

// Steam looks games up and reports player counts.
type Steam interface {
	SearchGames(ctx context.Context, query string, limit int) ([]steamapi.SearchResult, error)
	PlayerCount(ctx context.Context, appID int64) (int, error)
	TopGames(ctx context.Context, limit int) ([]steamapi.GameStats, error)
}

// Sender is the subset of *discordgo.Session used to talk to channels.
type Sender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// Bot connects to the Discord gateway and routes messages to a Handler.
type Bot struct {
	session *discordgo.Session
	handler *Handler
	log     *slog.Logger
}

// New creates a Discord session for token. Commands are answered through the
// same session.
func New(token, prefix string, tr Tracker, steam Steam, logger *slog.Logger) (*Bot, error) {
	if token == "" {
		return nil, errors.New("discord token empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	return &Bot{
		session: s,
		handler: NewHandler(tr, steam, s, prefix, logger),
		log:     logger.With(slog.String("component", "bot")),
	}, nil
}

// Notifier returns a Notifier sending through the bot session.
func (b *Bot) Notifier() *Notifier {
	return NewNotifier(b.session, b.log)
}

// Run opens the gateway connection and serves commands until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	remove := b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.log.Info("discord session ready", slog.String("user", r.User.Username), slog.Int("guilds", len(r.Guilds)))
	})
	defer remove()
	removeMsg := b.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		b.onMessage(ctx, s, m)
	})
	defer removeMsg()

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	b.log.Info("bot connected", slog.String("prefix", b.handler.prefix))
	<-ctx.Done()
	if err := b.session.Close(); err != nil {
		b.log.Warn("failed to close discord session", slog.Any("err", err))
	}
	b.log.Info("bot disconnected")
	return nil
}

func (b *Bot) onMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	name, args, ok := b.handler.Parse(m.Content)
	if !ok {
		return
	}
	channelID, err := strconv.ParseInt(m.ChannelID, 10, 64)
	if err != nil {
		b.log.Warn("ignoring message with non-numeric channel id", slog.String("channel_id", m.ChannelID))
		return
	}
	userID, err := strconv.ParseInt(m.Author.ID, 10, 64)
	if err != nil {
		b.log.Warn("ignoring message with non-numeric user id", slog.String("user_id", m.Author.ID))
		return
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	b.handler.Dispatch(ctx, Command{
		Name:       name,
		Args:       args,
		ChannelID:  channelID,
		UserID:     userID,
		AuthorName: m.Author.Username,
	})
}
