package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sifan077/goster/config"
	"go.uber.org/zap"
)

// DefaultTelegramMaxFileBytes is the largest file the Bot API lets a bot
// download again with getFile.
const DefaultTelegramMaxFileBytes = 20 << 20

// Telegram stores recordings as messages in a channel the bot can post to.
// The bot is created on first use, so a service started without network
// access to the Bot API still comes up and falls back to local storage.
type Telegram struct {
	cfg    config.TelegramConfig
	client *http.Client
	logger *zap.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegram builds the adapter. Missing credentials are not an error here;
// every call reports ErrUnavailable instead.
func NewTelegram(cfg config.TelegramConfig, client *http.Client, logger *zap.Logger) *Telegram {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultTelegramMaxFileBytes
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{cfg: cfg, client: client, logger: logger}
}

func (t *Telegram) Name() string { return "telegram" }

// Configured reports whether both the bot token and channel id are set.
func (t *Telegram) Configured() bool {
	return t.cfg.BotToken != "" && t.cfg.ChannelID != ""
}

func (t *Telegram) api() (*tgbotapi.BotAPI, error) {
	if !t.Configured() {
		return nil, fmt.Errorf("%w: telegram bot token or channel id not set", ErrUnavailable)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}

	bot, err := tgbotapi.NewBotAPIWithClient(t.cfg.BotToken, t.cfg.APIEndpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("%w: connect bot: %v", ErrUnavailable, t.redact(err))
	}
	t.logger.Info("telegram bot connected", zap.String("bot", bot.Self.UserName))
	t.bot = bot
	return bot, nil
}

// chat resolves the configured channel into a numeric id or an @username.
func (t *Telegram) chat() (int64, string) {
	if id, err := strconv.ParseInt(t.cfg.ChannelID, 10, 64); err == nil {
		return id, ""
	}
	name := t.cfg.ChannelID
	if !strings.HasPrefix(name, "@") {
		name = "@" + name
	}
	return 0, name
}

// Put refuses files the bot could not fetch back, so the caller keeps them
// locally instead of recording an unreadable reference.
func (t *Telegram) Put(_ context.Context, data []byte, up Upload) (Ref, error) {
	if int64(len(data)) > t.cfg.MaxFileBytes {
		return Ref{}, fmt.Errorf("%w: %d bytes exceeds telegram download limit of %d",
			ErrUploadFailed, len(data), t.cfg.MaxFileBytes)
	}

	bot, err := t.api()
	if err != nil {
		return Ref{}, err
	}

	chatID, username := t.chat()
	msgCfg := tgbotapi.NewVideo(chatID, tgbotapi.FileBytes{Name: up.Filename(), Bytes: data})
	msgCfg.ChannelUsername = username
	msgCfg.Caption = up.Label()
	msgCfg.SupportsStreaming = true

	msg, err := bot.Send(msgCfg)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: send video: %v", ErrUploadFailed, t.redact(err))
	}

	var fileID string
	switch {
	case msg.Video != nil:
		fileID = msg.Video.FileID
	case msg.Document != nil:
		fileID = msg.Document.FileID
	case msg.Animation != nil:
		fileID = msg.Animation.FileID
	}
	if fileID == "" {
		return Ref{}, fmt.Errorf("%w: no file_id in telegram response", ErrUploadFailed)
	}

	t.logger.Debug("recording stored in telegram",
		zap.String("code", up.Code),
		zap.Int("message_id", msg.MessageID),
		zap.Int("bytes", len(data)),
	)

	return Ref{FileRef: fileID, MessageRef: strconv.Itoa(msg.MessageID)}, nil
}

func (t *Telegram) file(fileRef string) (*tgbotapi.BotAPI, tgbotapi.File, error) {
	bot, err := t.api()
	if err != nil {
		return nil, tgbotapi.File{}, err
	}

	file, err := bot.GetFile(tgbotapi.FileConfig{FileID: fileRef})
	if err != nil {
		if isFileGone(err) {
			return nil, tgbotapi.File{}, fmt.Errorf("%w: %v", ErrObjectNotFound, t.redact(err))
		}
		return nil, tgbotapi.File{}, fmt.Errorf("%w: get file: %v", ErrUnavailable, t.redact(err))
	}
	if file.FilePath == "" {
		return nil, tgbotapi.File{}, fmt.Errorf("%w: telegram returned no file path", ErrObjectNotFound)
	}
	return bot, file, nil
}

// Open resolves the file reference to a short-lived download URL that embeds
// the bot token. The URL never leaves this method.
func (t *Telegram) Open(ctx context.Context, fileRef string) (*Object, error) {
	bot, file, err := t.file(fileRef)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(t.cfg.FileEndpoint, bot.Token, file.FilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build download request", ErrUnavailable)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %v", ErrUnavailable, t.redact(err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrObjectNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: download status %d", ErrUnavailable, resp.StatusCode)
	}

	size := resp.ContentLength
	if size < 0 && file.FileSize > 0 {
		size = int64(file.FileSize)
	}

	return &Object{Body: resp.Body, Size: size, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (t *Telegram) Stat(_ context.Context, fileRef string) (int64, error) {
	_, file, err := t.file(fileRef)
	if err != nil {
		return 0, err
	}
	return int64(file.FileSize), nil
}

func (t *Telegram) Remove(_ context.Context, messageRef string) (bool, error) {
	bot, err := t.api()
	if err != nil {
		return false, err
	}

	messageID, err := strconv.Atoi(messageRef)
	if err != nil {
		return false, fmt.Errorf("invalid telegram message id %q: %w", messageRef, err)
	}

	chatID, username := t.chat()
	del := tgbotapi.NewDeleteMessage(chatID, messageID)
	del.ChannelUsername = username

	if _, err := bot.Request(del); err != nil {
		if isBadRequest(err) && strings.Contains(strings.ToLower(err.Error()), "not found") {
			return false, nil
		}
		return false, fmt.Errorf("delete message %d: %v", messageID, t.redact(err))
	}
	return true, nil
}

// redact strips the bot token from errors that may embed request URLs.
func (t *Telegram) redact(err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	msg := err.Error()
	if t.cfg.BotToken != "" {
		msg = strings.ReplaceAll(msg, t.cfg.BotToken, "<redacted>")
	}
	return errors.New(msg)
}

func isBadRequest(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusBadRequest
	}
	return false
}

// isFileGone separates a deleted or unknown file from other getFile
// rejections such as "file is too big", which leave the file in place.
func isFileGone(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusBadRequest {
		return false
	}
	desc := strings.ToLower(apiErr.Message)
	return strings.Contains(desc, "file_id") || strings.Contains(desc, "not found")
}
