// Package telegram is the remote operator surface: owners send the command
// surface methods as bot commands, and the bot doubles as the remote log sink.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "pulsekeeper/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe call at construction. Tests only.
	Offline bool
}

// Bot wraps a telebot long-poller.
type Bot struct {
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	running bool
}

func New(cfg Config, router *Router, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	tb := &Bot{log: log, bot: b}
	b.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		reply, ok := router.Handle(context.Background(), Message{
			ChatID:   m.Chat.ID,
			FromID:   m.Sender.ID,
			Username: m.Sender.Username,
			Text:     m.Text,
		})
		if !ok {
			return nil
		}
		return c.Send(reply)
	})
	return tb, nil
}

// Run polls until ctx is done. telebot's Start blocks until Stop.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("telegram bot already running")
	}
	b.running = true
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, b.bot.Stop)
	defer stop()

	b.log.Info("polling started")
	b.bot.Start()
	b.log.Info("polling stopped")

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return errors.New("telegram poller exited unexpectedly")
}

const textLimit = 4000

// SendText delivers text to chatID, split into chunks Telegram accepts. It
// satisfies logx.Sender.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that keep chunks from getting tiny.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
