package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/game-tender/telemetry"
	"github.com/onnwee/game-tender/tracker"
)

// DefaultPrefix starts every command.
const DefaultPrefix = "!"

const (
	colorBlue  = 0x3498db
	colorGreen = 0x2ecc71
	colorRed   = 0xe74c3c

	tryLater = "Please try again later."
)

// Command is a parsed chat command.
type Command struct {
	Name       string
	Args       string
	ChannelID  int64
	UserID     int64
	AuthorName string
}

type commandFunc func(ctx context.Context, cmd Command) (*discordgo.MessageSend, string)

type commandInfo struct {
	usage string
	help  string
	run   commandFunc
	slow  bool // shows a typing indicator while running
}

// Handler answers chat commands.
type Handler struct {
	tracker  Tracker
	steam    Steam
	send     Sender
	prefix   string
	log      *slog.Logger
	commands map[string]commandInfo
}

// NewHandler returns a Handler replying through send.
func NewHandler(tr Tracker, steam Steam, send Sender, prefix string, logger *slog.Logger) *Handler {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		tracker: tr,
		steam:   steam,
		send:    send,
		prefix:  prefix,
		log:     logger.With(slog.String("component", "commands")),
	}
	h.commands = map[string]commandInfo{
		"track": {
			usage: "track [game name]",
			help:  "Track a game for price, release date and pre-order updates. Without a name, lists the games you track here.",
			run:   h.track,
			slow:  true,
		},
		"untrack": {
			usage: "untrack <game name or id>",
			help:  "Stop tracking a game in this channel.",
			run:   h.untrack,
		},
		"playercount": {
			usage: "playercount [game name]",
			help:  "Show current player counts. Without a name, shows the top 10 games.",
			run:   h.playercount,
			slow:  true,
		},
		"help": {
			usage: "help",
			help:  "Show this message.",
			run:   h.help,
		},
	}
	return h
}

// Parse splits a message into command name and arguments. ok is false for
// messages that are not a known command.
func (h *Handler) Parse(content string) (name, args string, ok bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, h.prefix) {
		return "", "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(content, h.prefix))
	name, args, _ = strings.Cut(rest, " ")
	name = strings.ToLower(name)
	if _, known := h.commands[name]; !known {
		return "", "", false
	}
	return name, strings.TrimSpace(args), true
}

// Dispatch runs cmd and sends the reply to its channel.
func (h *Handler) Dispatch(ctx context.Context, cmd Command) {
	info, ok := h.commands[cmd.Name]
	if !ok {
		return
	}
	log := telemetry.LoggerWithCorr(ctx, h.log).With(
		slog.String("command", cmd.Name),
		slog.Int64("channel_id", cmd.ChannelID),
		slog.Int64("user_id", cmd.UserID),
		slog.String("user", cmd.AuthorName))
	log.Info("command received", slog.String("args", cmd.Args))

	ctx, span := telemetry.StartSpan(ctx, "bot.command", telemetry.CommandAttr(cmd.Name))
	defer span.End()

	channel := strconv.FormatInt(cmd.ChannelID, 10)
	if info.slow {
		if err := h.send.ChannelTyping(channel, discordgo.WithContext(ctx)); err != nil {
			log.Debug("typing indicator failed", slog.Any("err", err))
		}
	}
	msg, result := info.run(ctx, cmd)
	telemetry.IncVec(telemetry.Commands, cmd.Name, result)
	span.SetAttributes(attribute.String("bot.result", result))
	if msg == nil {
		return
	}
	if _, err := h.send.ChannelMessageSendComplex(channel, msg, discordgo.WithContext(ctx)); err != nil {
		log.Error("failed to send command reply", slog.Any("err", err))
		return
	}
	log.Info("command handled", slog.String("result", result))
}

func (h *Handler) track(ctx context.Context, cmd Command) (*discordgo.MessageSend, string) {
	if cmd.Args == "" {
		return h.listTracked(cmd), "ok"
	}
	results, err := h.steam.SearchGames(ctx, cmd.Args, 5)
	if err != nil {
		h.log.Error("game search failed", slog.String("query", cmd.Args), slog.Any("err", err))
		return errorReply("An error occurred while trying to track the game. " + tryLater), "error"
	}
	if len(results) == 0 {
		return embedReply(&discordgo.MessageEmbed{
			Title:       "❌ Game Not Found",
			Description: fmt.Sprintf("Could not find any games matching: **%s**\nPlease check the spelling and try again.", cmd.Args),
			Color:       colorRed,
		}), "not_found"
	}
	game := results[0]
	if err := h.tracker.Track(ctx, game.AppID, game.Name, cmd.ChannelID, cmd.UserID); err != nil {
		return errorReply("Failed to start tracking the game. " + tryLater), "error"
	}
	return embedReply(&discordgo.MessageEmbed{
		Title: "✅ Game Tracked",
		Description: fmt.Sprintf("Now tracking **%s**!\n\n"+
			"You'll be notified in this channel about:\n"+
			"📅 Release date changes\n"+
			"💰 Price updates\n"+
			"🎮 Pre-order availability", game.Name),
		Color: colorGreen,
	}), "ok"
}

func (h *Handler) listTracked(cmd Command) *discordgo.MessageSend {
	games := h.tracker.List(tracker.InChannel(cmd.ChannelID), tracker.ByUser(cmd.UserID))
	embed := &discordgo.MessageEmbed{Title: "🎮 Your Tracked Games", Color: colorBlue}
	if len(games) == 0 {
		embed.Description = fmt.Sprintf("You're not tracking any games in this channel.\nUse `%strack <game name>` to start tracking!", h.prefix)
		return embedReply(embed)
	}
	for _, g := range games {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  g.Name,
			Value: describeSnapshot(g.Current),
		})
	}
	return embedReply(embed)
}

func describeSnapshot(s tracker.Snapshot) string {
	var lines []string
	if s.Price != nil && *s.Price != "" {
		lines = append(lines, "💰 Price: "+*s.Price)
	}
	if s.ReleaseDate != nil && *s.ReleaseDate != "" {
		lines = append(lines, "📅 Release: "+*s.ReleaseDate)
	}
	if s.PreorderStatus {
		lines = append(lines, "🎮 Pre-order available")
	}
	if len(lines) == 0 {
		return "No current data"
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) untrack(ctx context.Context, cmd Command) (*discordgo.MessageSend, string) {
	if cmd.Args == "" {
		return errorReply(fmt.Sprintf("Usage: `%suntrack <game name or id>`", h.prefix)), "usage"
	}
	game, ok := findTracked(h.tracker.List(tracker.InChannel(cmd.ChannelID), tracker.ByUser(cmd.UserID)), cmd.Args)
	if !ok {
		return embedReply(&discordgo.MessageEmbed{
			Title:       "❌ Game Not Tracked",
			Description: fmt.Sprintf("You're not tracking **%s** in this channel.", cmd.Args),
			Color:       colorRed,
		}), "not_found"
	}
	removed, err := h.tracker.Untrack(ctx, game.ID, cmd.ChannelID, cmd.UserID)
	if err != nil {
		return errorReply("Failed to stop tracking the game. " + tryLater), "error"
	}
	if !removed {
		return embedReply(&discordgo.MessageEmbed{
			Title:       "❌ Game Not Tracked",
			Description: fmt.Sprintf("You're not tracking **%s** in this channel.", game.Name),
			Color:       colorRed,
		}), "not_found"
	}
	return embedReply(&discordgo.MessageEmbed{
		Title:       "🛑 Stopped Tracking",
		Description: fmt.Sprintf("You will no longer get updates about **%s** in this channel.", game.Name),
		Color:       colorGreen,
	}), "ok"
}

// findTracked matches query against games by id, then exact name, then name
// prefix. Names compare case-insensitively.
func findTracked(games []tracker.Summary, query string) (tracker.Summary, bool) {
	if id, err := strconv.ParseInt(query, 10, 64); err == nil {
		for _, g := range games {
			if g.ID == id {
				return g, true
			}
		}
	}
	q := strings.ToLower(query)
	for _, g := range games {
		if strings.ToLower(g.Name) == q {
			return g, true
		}
	}
	for _, g := range games {
		if strings.HasPrefix(strings.ToLower(g.Name), q) {
			return g, true
		}
	}
	return tracker.Summary{}, false
}

func (h *Handler) playercount(ctx context.Context, cmd Command) (*discordgo.MessageSend, string) {
	now := time.Now().UTC().Format(time.RFC3339)
	footer := &discordgo.MessageEmbedFooter{Text: "Data from Steam"}

	if cmd.Args == "" {
		games, err := h.steam.TopGames(ctx, 10)
		if err != nil || len(games) == 0 {
			if err != nil {
				h.log.Error("top games failed", slog.Any("err", err))
			}
			return errorReply("Failed to fetch top games. " + tryLater), "error"
		}
		embed := &discordgo.MessageEmbed{
			Title:       "🎮 Top Steam Games",
			Description: "Current most played games on Steam",
			Color:       colorBlue,
			Timestamp:   now,
			Footer:      footer,
		}
		for i, g := range games {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("%d. %s", i+1, g.Name),
				Value: fmt.Sprintf("Current Players: **%s**", formatCount(g.PlayerCount)),
			})
		}
		return embedReply(embed), "ok"
	}

	results, err := h.steam.SearchGames(ctx, cmd.Args, 5)
	if err != nil {
		h.log.Error("game search failed", slog.String("query", cmd.Args), slog.Any("err", err))
		return errorReply("An error occurred while fetching player counts. " + tryLater), "error"
	}
	if len(results) == 0 {
		return embedReply(&discordgo.MessageEmbed{
			Title:       "❌ Game Not Found",
			Description: fmt.Sprintf("No games found matching: **%s**", cmd.Args),
			Color:       colorRed,
		}), "not_found"
	}
	embed := &discordgo.MessageEmbed{Title: "🎮 Game Player Counts", Color: colorBlue, Timestamp: now, Footer: footer}
	for _, r := range results {
		value := "Unable to fetch player count"
		if count, err := h.steam.PlayerCount(ctx, r.AppID); err == nil {
			value = fmt.Sprintf("Current Players: **%s**", formatCount(count))
		} else {
			h.log.Warn("player count failed", slog.Int64("game_id", r.AppID), slog.Any("err", err))
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: r.Name, Value: value})
	}
	return embedReply(embed), "ok"
}

func (h *Handler) help(ctx context.Context, cmd Command) (*discordgo.MessageSend, string) {
	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	embed := &discordgo.MessageEmbed{
		Title:       "🎮 Steam Bot Commands",
		Description: "Monitor and get notified about Steam game releases!",
		Color:       colorBlue,
	}
	for _, name := range names {
		info := h.commands[name]
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "`" + h.prefix + info.usage + "`",
			Value: info.help,
		})
	}
	return embedReply(embed), "ok"
}

func embedReply(e *discordgo.MessageEmbed) *discordgo.MessageSend {
	return &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{e}}
}

func errorReply(description string) *discordgo.MessageSend {
	return embedReply(&discordgo.MessageEmbed{Title: "❌ Error", Description: description, Color: colorRed})
}

// formatCount renders n with thousands separators.
func formatCount(n int) string {
	return humanize.Comma(int64(n))
}
