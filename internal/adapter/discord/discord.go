// Package discord implements Carapace's network-API channel adapter for
// Discord, grounded on github.com/bwmarrin/discordgo — the teacher's own
// Discord dependency, used here for Carapace's domain instead of
// picoclaw's bot-command routing.
package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/carapace-gateway/carapace/internal/adapter"
)

const channelID = "discord"

// resolveRecipient turns a spec.md §6 discord party string
// ("channel:<id>" or "user:<id>") into the raw Discord channel snowflake
// discordgo needs to send a message: a channel party is already that id;
// a user party requires opening (or reusing) a DM channel first.
func resolveRecipient(sess *discordgo.Session, ctx context.Context, party string) (string, error) {
	switch {
	case strings.HasPrefix(party, "channel:"):
		return strings.TrimPrefix(party, "channel:"), nil
	case strings.HasPrefix(party, "user:"):
		userID := strings.TrimPrefix(party, "user:")
		dm, err := sess.UserChannelCreate(userID, discordgo.WithContext(ctx))
		if err != nil {
			return "", fmt.Errorf("discord: opening DM channel with %s: %w", party, err)
		}
		return dm.ID, nil
	default:
		return "", fmt.Errorf("discord: recipient %q must be \"channel:<id>\" or \"user:<id>\"", party)
	}
}

// channelParty and userParty format a raw Discord snowflake as the
// party string spec.md §6 mandates, the inverse of resolveRecipient.
func channelParty(id string) string { return "channel:" + id }
func userParty(id string) string    { return "user:" + id }

// Options configures the discord adapter.
type Options struct {
	BotToken string
}

// Adapter drives a discordgo.Session.
type Adapter struct {
	*adapter.Base
	opts Options

	mu      sync.Mutex
	session *discordgo.Session
}

// New builds a discord Adapter from opts. The session is opened lazily
// on first use, not at construction.
func New(opts Options) *Adapter {
	return &Adapter{Base: adapter.NewBase(channelID), opts: opts}
}

func (a *Adapter) ensureSession() (*discordgo.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}
	if a.opts.BotToken == "" {
		return nil, &adapter.SendError{Kind: adapter.SendErrNotConfigured, Err: fmt.Errorf("discord: bot token not configured")}
	}
	sess, err := discordgo.New("Bot " + a.opts.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord: creating session: %w", err)
	}
	if err := sess.Open(); err != nil {
		return nil, fmt.Errorf("discord: opening session: %w", err)
	}
	a.session = sess
	a.SetRunning(true)
	return sess, nil
}

// HealthCheck verifies the session is open and can reach the gateway.
func (a *Adapter) HealthCheck(ctx context.Context) adapter.Health {
	sess, err := a.ensureSession()
	if err != nil {
		return adapter.Health{Healthy: false, Detail: err.Error()}
	}
	if _, err := sess.User("@me"); err != nil {
		return adapter.Health{Healthy: false, Detail: err.Error()}
	}
	return adapter.Health{Healthy: true}
}

// Send posts a message to a Discord channel via ChannelMessageSend.
// params.Recipient is a "channel:<id>" or "user:<id>" party string per
// spec.md §6; a user party is resolved to its DM channel first.
func (a *Adapter) Send(ctx context.Context, params adapter.SendParams) (adapter.SendResult, error) {
	sess, err := a.ensureSession()
	if err != nil {
		return adapter.SendResult{}, err
	}

	chanID, err := resolveRecipient(sess, ctx, params.Recipient)
	if err != nil {
		return adapter.SendResult{}, &adapter.SendError{Kind: adapter.SendErrNonRetryable, Err: err}
	}

	var msg *discordgo.Message
	if len(params.Attachments) > 0 {
		send := &discordgo.MessageSend{Content: params.Message}
		for _, path := range params.Attachments {
			send.Files = append(send.Files, &discordgo.File{Name: path})
		}
		msg, err = sess.ChannelMessageSendComplex(chanID, send, discordgo.WithContext(ctx))
	} else {
		msg, err = sess.ChannelMessageSend(chanID, params.Message, discordgo.WithContext(ctx))
	}
	if err != nil {
		return adapter.SendResult{}, &adapter.SendError{Kind: adapter.SendErrTransient, Err: fmt.Errorf("discord: sending message: %w", err)}
	}
	return adapter.SendResult{
		MessageID: msg.ID,
		Timestamp: msg.Timestamp.Unix(),
	}, nil
}

// ListChats lists the guild text channels visible to the bot across all
// joined guilds, paged in-memory since the Discord API pages per-guild
// rather than globally.
func (a *Adapter) ListChats(ctx context.Context, limit, offset int) (adapter.Page, error) {
	sess, err := a.ensureSession()
	if err != nil {
		return adapter.Page{}, err
	}

	var items []any
	for _, guild := range sess.State.Guilds {
		channels, err := sess.GuildChannels(guild.ID, discordgo.WithContext(ctx))
		if err != nil {
			continue
		}
		for _, ch := range channels {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			items = append(items, map[string]any{
				"chat_id": channelParty(ch.ID),
				"name":    ch.Name,
				"guild":   guild.Name,
			})
		}
	}

	hasMore := false
	if offset < len(items) {
		items = items[offset:]
	} else {
		items = nil
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		hasMore = true
	}
	return adapter.Page{Items: items, HasMore: hasMore}, nil
}

// GetHistory fetches a page of messages from a channel via ChannelMessages.
// chatID is the "channel:<id>" party ListChats returned.
func (a *Adapter) GetHistory(ctx context.Context, chatID string, limit int, before int64) (adapter.Page, error) {
	sess, err := a.ensureSession()
	if err != nil {
		return adapter.Page{}, err
	}

	rawChannelID := strings.TrimPrefix(chatID, "channel:")
	beforeID := ""
	if before > 0 {
		beforeID = fmt.Sprintf("%d", before)
	}
	if limit <= 0 {
		limit = 50
	}
	msgs, err := sess.ChannelMessages(rawChannelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return adapter.Page{}, fmt.Errorf("discord: fetching history: %w", err)
	}

	items := make([]any, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, map[string]any{
			"message_id": m.ID,
			"sender":     userParty(m.Author.ID),
			"text":       m.Content,
			"timestamp":  m.Timestamp.Unix(),
		})
	}
	return adapter.Page{Items: items, HasMore: len(msgs) == limit}, nil
}

// Watch registers a discordgo message-create handler and bridges it to
// an IncomingMessage channel for the lifetime of ctx.
func (a *Adapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	sess, err := a.ensureSession()
	if err != nil {
		return nil, err
	}

	out := make(chan adapter.IncomingMessage, 32)
	remove := sess.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		msg := adapter.IncomingMessage{
			Channel:   channelID,
			ChatID:    channelParty(m.ChannelID),
			Sender:    userParty(m.Author.ID),
			Text:      m.Content,
			Timestamp: m.Timestamp.Unix(),
			IsFromMe:  s.State.User != nil && m.Author.ID == s.State.User.ID,
		}
		select {
		case out <- msg:
		case <-ctx.Done():
		default:
			// drop rather than block the discordgo event loop; the sub
			// package's per-subscription queue handles slow consumers
			// downstream of this point.
		}
	})

	go func() {
		<-ctx.Done()
		remove()
		close(out)
	}()
	return out, nil
}
