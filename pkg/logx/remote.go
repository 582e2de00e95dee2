package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RemoteConfig controls the operator sink (e.g. a Telegram chat).
type RemoteConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Sender delivers a rendered log line to a remote operator channel.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

const (
	remoteQueueSize = 256
	remoteMaxLen    = 3500
	remoteFieldLen  = 600
	remoteStackLen  = 900
)

// remoteSink is a zerolog.LevelWriter that forwards lines at or above a
// minimum level to one chat. Delivery is asynchronous; a full queue or an
// exhausted rate budget drops the line instead of stalling the caller.
type remoteSink struct {
	sender Sender
	queue  chan remoteLine

	mu       sync.Mutex
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type remoteLine struct {
	chatID int64
	text   string
}

func newRemoteSink(sender Sender) *remoteSink {
	return &remoteSink{
		sender:   sender,
		queue:    make(chan remoteLine, remoteQueueSize),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (r *remoteSink) configure(cfg RemoteConfig) {
	rps := max(1, cfg.RatePerSec)
	r.mu.Lock()
	r.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	r.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	r.mu.Unlock()
}

func (r *remoteSink) setTarget(chatID int64) {
	r.mu.Lock()
	r.chatID = chatID
	r.mu.Unlock()
}

// start launches the delivery goroutine once.
func (r *remoteSink) start() {
	r.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.mu.Lock()
		r.cancel = cancel
		r.mu.Unlock()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.deliver(ctx)
		}()
	})
}

func (r *remoteSink) stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		r.wg.Wait()
	}
}

func (r *remoteSink) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-r.queue:
			// Errors here would only log back into this sink.
			_ = r.sender.SendText(ctx, l.chatID, l.text)
		}
	}
}

// Write is used for lines that carry no level.
func (r *remoteSink) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.NoLevel, p)
}

func (r *remoteSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	chatID, floor, lim := r.chatID, r.minLevel, r.limiter
	r.mu.Unlock()

	if chatID == 0 || level < floor || !lim.Allow() {
		return len(p), nil
	}
	text := renderRemote(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case r.queue <- remoteLine{chatID: chatID, text: text}:
	default:
	}
	return len(p), nil
}

// renderRemote turns one zerolog JSON line into a chat message: "[LEVEL]
// message" followed by one "- key=value" line per field in key order.
// Anything that is not JSON is sent trimmed as is.
func renderRemote(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), remoteMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		limit := remoteFieldLen
		if k == "stack" {
			limit = remoteStackLen
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), limit))
	}
	return clip(b.String(), remoteMaxLen)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
