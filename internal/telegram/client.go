// Package telegram delivers alert triggers through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sony/gobreaker"

	"github.com/rewired-gh/quantflow/internal/logger"
	"github.com/rewired-gh/quantflow/internal/models"
)

// sender is the part of the bot API the client sends through.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// RuleLister answers the /rules command.
type RuleLister interface {
	Rules() []models.AlertRule
}

// Client handles Telegram notifications.
type Client struct {
	bot            sender
	api            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	breaker        *gobreaker.CircuitBreaker
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase)
	c.api = bot
	return c, nil
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "telegram",
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Circuit breaker %s: %s -> %s", name, from, to)
			},
		}),
	}
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, rules RuleLister) {
	if c.api == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.api.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.api.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, rules)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, rules RuleLister) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "rules":
		if rules == nil {
			return
		}
		text = formatRules(rules.Rules())
	default:
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	reply.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := c.bot.Send(reply); err != nil {
		logger.Warn("Failed to answer /%s: %v", msg.Command(), err)
	}
}

// Notify sends one trigger. It implements alert.Notifier.
func (c *Client) Notify(ctx context.Context, trigger models.AlertTrigger) error {
	return c.sendMarkdownV2(ctx, formatTrigger(trigger))
}

// sendMarkdownV2 sends a MarkdownV2 message with exponential-backoff retry.
// While the breaker is open messages fail fast without retrying.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	op := func() error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return c.bot.Send(msg)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelayBase
	b.MaxInterval = 30 * c.retryDelayBase
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		logger.Warn("Telegram send failed: %v, retrying in %v", err, wait)
	})
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

func formatTrigger(t models.AlertTrigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s*\n", escapeMarkdownV2(t.RuleName))
	fmt.Fprintf(&b, "%s\n", escapeMarkdownV2(t.Message))

	names := make([]string, 0, len(t.Metrics))
	for name := range t.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		b.WriteString("\n")
	}
	for _, name := range names {
		val := strconv.FormatFloat(t.Metrics[name], 'g', 6, 64)
		fmt.Fprintf(&b, "• %s: *%s*\n", escapeMarkdownV2(name), escapeMarkdownV2(val))
	}

	fmt.Fprintf(&b, "\n📅 %s", escapeMarkdownV2(t.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")))
	return b.String()
}

func formatRules(rules []models.AlertRule) string {
	if len(rules) == 0 {
		return "No alert rules"
	}
	var b strings.Builder
	b.WriteString("*Alert rules*\n")
	for i, r := range rules {
		state := "on"
		if !r.Enabled {
			state = "off"
		}
		scope := r.Symbol
		if scope == "" {
			scope = models.AllSymbols
		}
		line := fmt.Sprintf("%d. %s [%s] %s: %s (%d triggers)", i+1, r.Name, state, scope, r.Condition, r.TriggerCount)
		b.WriteString(escapeMarkdownV2(line))
		b.WriteString("\n")
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
