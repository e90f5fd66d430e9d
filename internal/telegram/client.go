// Package telegram is the chat front-end: it publishes announcements to the
// channel, talks to users in private chats and turns their commands and
// button presses into roster operations.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/announce"
	"github.com/kinovino/rosterbot/internal/identity"
	"github.com/kinovino/rosterbot/internal/models"
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
}

// noopData marks a button that does nothing; Telegram has no disabled buttons.
const noopData = "noop"

// Client wraps the Bot API for announcements, direct messages and lookups.
// The library takes no context, so ctx is checked before each request and
// the HTTP client timeout bounds the call itself.
type Client struct {
	api     API
	channel string // @username or numeric chat id
	logger  *zap.Logger
}

// NewClient creates a client that announces into channel.
func NewClient(api API, channel string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, channel: channel, logger: logger}
}

// Publish sends a new announcement to the channel.
func (c *Client) Publish(ctx context.Context, a announce.Announcement) (models.AnnouncementRef, error) {
	if err := ctx.Err(); err != nil {
		return models.AnnouncementRef{}, err
	}
	markup := keyboard(a.Controls)
	var cfg tgbotapi.Chattable
	if a.MediaRef != "" {
		photo := c.photoConfig(tgbotapi.FileID(a.MediaRef))
		photo.Caption = a.Text
		photo.ParseMode = tgbotapi.ModeHTML
		photo.ReplyMarkup = markup
		cfg = photo
	} else {
		msg := c.messageConfig(a.Text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		msg.ReplyMarkup = markup
		cfg = msg
	}
	sent, err := c.api.Send(cfg)
	if err != nil {
		return models.AnnouncementRef{}, fmt.Errorf("send announcement: %w", err)
	}
	if sent.Chat == nil {
		return models.AnnouncementRef{}, errors.New("send announcement: response without chat")
	}
	return models.AnnouncementRef{ChatID: sent.Chat.ID, MessageID: sent.MessageID, Media: a.MediaRef}, nil
}

// Update edits the announcement in place: the caption of a photo message or
// the text of a text message. "Not modified" replies count as success.
func (c *Client) Update(ctx context.Context, ref models.AnnouncementRef, a announce.Announcement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	markup := keyboard(a.Controls)
	var cfg tgbotapi.Chattable
	if ref.HasMedia() {
		edit := tgbotapi.NewEditMessageCaption(ref.ChatID, ref.MessageID, a.Text)
		edit.ParseMode = tgbotapi.ModeHTML
		edit.ReplyMarkup = &markup
		cfg = edit
	} else {
		edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, a.Text)
		edit.ParseMode = tgbotapi.ModeHTML
		edit.DisableWebPagePreview = true
		edit.ReplyMarkup = &markup
		cfg = edit
	}
	if _, err := c.api.Request(cfg); err != nil {
		if notModified(err) {
			return nil
		}
		return fmt.Errorf("edit announcement %d: %w", ref.MessageID, err)
	}
	return nil
}

// Retract deletes the announcement.
func (c *Client) Retract(ctx context.Context, ref models.AnnouncementRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.api.Request(tgbotapi.NewDeleteMessage(ref.ChatID, ref.MessageID)); err != nil {
		return fmt.Errorf("delete announcement %d: %w", ref.MessageID, err)
	}
	return nil
}

// SendDirect messages an actor in their private chat.
func (c *Client) SendDirect(ctx context.Context, actorID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.api.Send(tgbotapi.NewMessage(actorID, text)); err != nil {
		return fmt.Errorf("send to %d: %w", actorID, err)
	}
	return nil
}

// Reply sends an HTML message to a chat.
func (c *Client) Reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := c.api.Send(msg); err != nil {
		c.logger.Warn("reply failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// SendDocument uploads an in-memory file to a chat.
func (c *Client) SendDocument(ctx context.Context, chatID int64, name string, body []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: body})
	doc.Caption = caption
	if _, err := c.api.Send(doc); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

// Answer acknowledges a button press, optionally as an alert.
func (c *Client) Answer(callbackID, text string, alert bool) {
	cfg := tgbotapi.NewCallback(callbackID, text)
	if alert {
		cfg = tgbotapi.NewCallbackWithAlert(callbackID, text)
	}
	if _, err := c.api.Request(cfg); err != nil {
		c.logger.Debug("answer callback failed", zap.Error(err))
	}
}

// Resolve looks an actor up through getChat.
func (c *Client) Resolve(ctx context.Context, actorID int64) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	chat, err := c.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: actorID}})
	if err != nil {
		return identity.Identity{}, fmt.Errorf("get chat %d: %w: %w", actorID, identity.ErrUnknownActor, err)
	}
	return identity.Identity{
		DisplayName: identity.FullName(actorID, chat.FirstName, chat.LastName),
		Handle:      chat.UserName,
	}, nil
}

func (c *Client) messageConfig(text string) tgbotapi.MessageConfig {
	if id, err := strconv.ParseInt(c.channel, 10, 64); err == nil {
		return tgbotapi.NewMessage(id, text)
	}
	return tgbotapi.NewMessageToChannel(c.channel, text)
}

func (c *Client) photoConfig(file tgbotapi.RequestFileData) tgbotapi.PhotoConfig {
	if id, err := strconv.ParseInt(c.channel, 10, 64); err == nil {
		return tgbotapi.NewPhoto(id, file)
	}
	return tgbotapi.NewPhotoToChannel(c.channel, file)
}

// keyboard lays the controls out on one row.
func keyboard(controls []announce.Control) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(controls))
	for _, ctl := range controls {
		data := ctl.Data
		if ctl.Disabled {
			data = noopData
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(ctl.Label, data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

// Participant snapshots an inbound user.
func Participant(u *tgbotapi.User) models.Participant {
	return models.Participant{
		ActorID:     u.ID,
		DisplayName: identity.FullName(u.ID, u.FirstName, u.LastName),
		Handle:      u.UserName,
	}
}
