package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender posts to a Telegram chat through the Bot API. The bot is
// created on first use so startup never blocks on Telegram.
type TelegramSender struct {
	token    string
	chatID   string
	endpoint string
	client   *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramSender creates a TelegramSender. chatID is a numeric chat ID or
// an @channel name. An empty endpoint uses the public Bot API.
func NewTelegramSender(token, chatID, endpoint string, client *http.Client) *TelegramSender {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TelegramSender{token: token, chatID: chatID, endpoint: endpoint, client: client}
}

// Send delivers the title in bold followed by message, flagging critical
// alerts. The Bot API client has no context support, so cancellation is
// bounded by the HTTP timeout.
func (t *TelegramSender) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	bot, err := t.botAPI()
	if err != nil {
		return err
	}

	text := fmt.Sprintf("*%s*\n%s", a.Title, a.Message)
	if a.Severity == SeverityCritical {
		text = "CRITICAL " + text
	}
	var msg tgbotapi.MessageConfig
	if id, perr := strconv.ParseInt(t.chatID, 10, 64); perr == nil {
		msg = tgbotapi.NewMessage(id, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(t.chatID, text)
	}
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// Name returns "telegram".
func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) botAPI() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		// The library echoes the request URL, which embeds the token.
		return nil, fmt.Errorf("telegram: init bot: %s", strings.ReplaceAll(err.Error(), t.token, "****"))
	}
	t.bot = bot
	return bot, nil
}
