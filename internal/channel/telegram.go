package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatloop/internal/agent"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramMaxConcurrent  = 4
)

// Telegram answers each incoming text message with one fresh loop run.
// Nothing is remembered between messages.
type Telegram struct {
	token     string
	allowFrom []int64 // empty allows everyone
	parseMode string
	model     string
	runner    Runner
	logger    *slog.Logger

	bot *tgbotapi.BotAPI
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	Model     string // model requested for every run
	Runner    Runner
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		model:     cfg.Model,
		runner:    cfg.Runner,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and long-polls until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	sem := make(chan struct{}, telegramMaxConcurrent)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			sem <- struct{}{}
			go func(u tgbotapi.Update) {
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						t.logger.Error("telegram update handler panicked", "panic", r, "update_id", u.UpdateID)
					}
				}()
				t.handleUpdate(ctx, u)
			}(update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	userID, chatID := msg.From.ID, msg.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", msg.From.UserName)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if msg.IsCommand() {
		t.handleCommand(chatID, msg)
		return
	}

	t.logger.Info("telegram message received", "user_id", userID, "chat_id", chatID, "text_len", len(text))
	_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	res, err := t.runner.Run(ctx, agent.ChatInput{Message: text, Model: t.model, Channel: t.Name()})
	if err != nil {
		t.logger.Error("telegram chat run failed", "chat_id", chatID, "err", err)
		t.sendMessage(chatID, "Error: "+err.Error())
		return
	}
	answer := res.Answer
	if strings.TrimSpace(answer) == "" {
		answer = "(empty response)"
	}
	t.sendMessage(chatID, answer)
}

func (t *Telegram) handleCommand(chatID int64, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		t.sendMessage(chatID, "Send me a message and I will answer it. I can search the web and run Python scripts.\n\nEach message is answered independently; I do not remember earlier messages.")
	case "status":
		t.sendMessage(chatID, fmt.Sprintf("chatloop\n\nBot: @%s\nModel: %s\nYour ID: %d", t.bot.Self.UserName, t.model, msg.From.ID))
	default:
		t.sendMessage(chatID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// splitMessage cuts text into pieces of at most max bytes, preferring a
// newline in the second half of each piece.
func splitMessage(text string, max int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= max {
			chunks = append(chunks, text)
			break
		}
		cut := strings.LastIndex(text[:max], "\n")
		if cut < max/2 {
			cut = max
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

// sendChunk tries the configured parse mode first, falls back to plain text
// on entity errors, and backs off on rate limits.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = t.parseMode
		}
		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		switch {
		case strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429"):
			wait := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
			time.Sleep(wait)
		case attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities"):
			t.logger.Warn("telegram parse error, retrying as plain text", "parse_mode", t.parseMode)
		case attempt < telegramMaxSendRetries:
			wait := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", wait)
			time.Sleep(wait)
		default:
			t.logger.Error("telegram send failed after retries", "err", err, "attempts", attempt+1)
		}
	}
}
