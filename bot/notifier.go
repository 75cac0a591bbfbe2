package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/game-tender/poller"
)

// maxEmbeds is Discord's limit of embeds per message.
const maxEmbeds = 10

// Notifier posts change notifications to Discord channels.
type Notifier struct {
	send Sender
	log  *slog.Logger
	now  func() time.Time
}

// NewNotifier returns a Notifier sending through send.
func NewNotifier(send Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{send: send, log: logger.With(slog.String("component", "notifier")), now: time.Now}
}

// Notify mentions every watcher of the channel once and attaches one embed
// per event.
func (n *Notifier) Notify(ctx context.Context, note poller.Notification) error {
	if len(note.Events) == 0 {
		return nil
	}
	channel := strconv.FormatInt(note.ChannelID, 10)
	mentions := make([]string, 0, len(note.UserIDs))
	users := make([]string, 0, len(note.UserIDs))
	for _, id := range note.UserIDs {
		uid := strconv.FormatInt(id, 10)
		users = append(users, uid)
		mentions = append(mentions, "<@"+uid+">")
	}
	ts := n.now().UTC().Format(time.RFC3339)

	embeds := make([]*discordgo.MessageEmbed, 0, len(note.Events))
	for _, e := range note.Events {
		embeds = append(embeds, &discordgo.MessageEmbed{
			Title:       "Game Update: " + note.GameName,
			Description: e.Message,
			Color:       colorBlue,
			Timestamp:   ts,
		})
	}
	for start := 0; start < len(embeds); start += maxEmbeds {
		end := min(start+maxEmbeds, len(embeds))
		msg := &discordgo.MessageSend{
			Content:         strings.Join(mentions, " "),
			Embeds:          embeds[start:end],
			AllowedMentions: &discordgo.MessageAllowedMentions{Users: users},
		}
		if _, err := n.send.ChannelMessageSendComplex(channel, msg, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send notification to channel %d: %w", note.ChannelID, err)
		}
	}
	n.log.Debug("notification sent",
		slog.Int64("game_id", note.GameID), slog.Int64("channel_id", note.ChannelID),
		slog.Int("events", len(note.Events)), slog.Int("users", len(users)))
	return nil
}
