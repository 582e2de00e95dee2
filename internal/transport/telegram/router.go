package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pulsekeeper/internal/command"
	logx "pulsekeeper/pkg/logx"
)

// ErrRateLimited is replied when a sender exceeds its command budget.
var ErrRateLimited = errors.New("rate limited; try again shortly")

// Commands runs a command surface method.
type Commands interface {
	Handle(ctx context.Context, method string) error
}

// StatusFunc renders the /status reply.
type StatusFunc func(ctx context.Context) (string, error)

// Message is an inbound chat message, independent of the bot library.
type Message struct {
	ChatID   int64
	FromID   int64
	Username string
	Text     string
}

type RouterConfig struct {
	Owners []int64
	// RatePerSec and Burst bound commands per sender.
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
}

// Router turns chat messages into command surface calls. Only owners are
// served; everyone else is ignored without a reply.
type Router struct {
	cmds   Commands
	status StatusFunc
	cfg    RouterConfig
	log    logx.Logger
	h      HandlerFunc

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// HandlerFunc answers one request. Middlewares wrap it.
type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Request is a parsed owner command.
type Request struct {
	Msg     Message
	Command string
	Args    []string
}

func NewRouter(cmds Commands, status StatusFunc, cfg RouterConfig, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	r := &Router{cmds: cmds, status: status, cfg: cfg, log: log, limiters: map[int64]*rate.Limiter{}}
	r.h = chain(r.dispatch, recoverPanics(log), withTimeout(cfg.Timeout), requestLog(log))
	return r
}

// Handle returns the reply for m. ok is false when the message gets no
// reply at all (not a command, or not from an owner).
func (r *Router) Handle(ctx context.Context, m Message) (reply string, ok bool) {
	cmd, args, isCmd := parseCommand(m.Text)
	if !isCmd {
		return "", false
	}
	if !slices.Contains(r.cfg.Owners, m.FromID) {
		r.log.Debug("command from non-owner ignored", logx.Int64("from_id", m.FromID), logx.String("cmd", cmd))
		return "", false
	}
	if !r.limiter(m.FromID).Allow() {
		return ErrRateLimited.Error(), true
	}

	out, err := r.h(ctx, &Request{Msg: m, Command: cmd, Args: args})
	if err != nil {
		return err.Error(), true
	}
	return out, true
}

func (r *Router) dispatch(ctx context.Context, req *Request) (string, error) {
	switch req.Command {
	case "start", "help":
		return helpText(), nil
	case "status":
		if r.status == nil {
			return "", errors.New("status unavailable")
		}
		return r.status(ctx)
	}
	ctx = command.WithSource(ctx, fmt.Sprintf("telegram:%d", req.Msg.FromID))
	if err := r.cmds.Handle(ctx, req.Command); err != nil {
		return "", err
	}
	return "ok", nil
}

func (r *Router) limiter(id int64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.limiters[id]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(r.cfg.RatePerSec), r.cfg.Burst)
		r.limiters[id] = l
	}
	return l
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]). Command names are
// lowercased; the surface matches them case-insensitively.
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func helpText() string {
	names := make([]string, 0, len(command.Methods())+1)
	for _, m := range command.Methods() {
		names = append(names, "/"+strings.ToLower(m))
	}
	sort.Strings(names)
	names = append(names, "/status")
	return "commands:\n" + strings.Join(names, "\n")
}

func chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func recoverPanics(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (out string, err error) {
			defer func() {
				if p := recover(); p != nil {
					log.Error("panic recovered", logx.String("cmd", req.Command), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
					out, err = "", errors.New("internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}

func requestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			out, err := next(ctx, req)
			fields := []logx.Field{
				logx.Int64("chat_id", req.Msg.ChatID),
				logx.Int64("from_id", req.Msg.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				log.Warn("request failed", append(fields, logx.Err(err))...)
			} else {
				log.Debug("request ok", fields...)
			}
			return out, err
		}
	}
}
