package notify

import (
	"context"
	"fmt"
	"os"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack"
)

const (
	slackMaxText    = 3900
	telegramMaxText = 4096
)

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"` // xoxb-... bot token
	Channel  string `yaml:"channel"`
}

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts notifications to a channel.
type Slack struct {
	api     slackPoster
	channel string
}

// NewSlack creates the Slack channel.
func NewSlack(cfg SlackConfig) (*Slack, error) {
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("slack: token env %q is empty", cfg.TokenEnv)
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	return &Slack{api: slack.New(token), channel: cfg.Channel}, nil
}

// Name implements Notifier.
func (s *Slack) Name() string { return "slack" }

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, msg Message) error {
	text := truncate(msg.Text(), slackMaxText)
	if _, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack: send message: %w", err)
	}
	return nil
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	ChatID   int64  `yaml:"chat_id"`
}

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends notifications to a chat.
type Telegram struct {
	bot    telegramSender
	chatID int64
}

// NewTelegram creates the Telegram channel. It contacts the Bot API to
// validate the token.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("telegram: token env %q is empty", cfg.TokenEnv)
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: bot, chatID: cfg.ChatID}, nil
}

// Name implements Notifier.
func (t *Telegram) Name() string { return "telegram" }

// Notify implements Notifier. Text is sent without a parse mode.
func (t *Telegram) Notify(_ context.Context, msg Message) error {
	m := tgbotapi.NewMessage(t.chatID, truncate(msg.Text(), telegramMaxText))
	m.DisableWebPagePreview = true
	if _, err := t.bot.Send(m); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}
