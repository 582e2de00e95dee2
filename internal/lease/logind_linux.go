//go:build linux

package lease

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/login1"
)

// LogindConfig describes the systemd-logind inhibitor lock to take.
type LogindConfig struct {
	What string // e.g. "sleep:idle"
	Who  string
	Why  string
	Mode string // "block" or "delay"
}

// Logind holds a logind inhibitor lock. The lock lives as long as the file
// descriptor returned by logind stays open.
type Logind struct {
	cfg LogindConfig
}

func NewLogind(cfg LogindConfig) *Logind {
	if strings.TrimSpace(cfg.What) == "" {
		cfg.What = "sleep:idle"
	}
	if strings.TrimSpace(cfg.Who) == "" {
		cfg.Who = "pulsekeeper"
	}
	if strings.TrimSpace(cfg.Why) == "" {
		cfg.Why = "periodic signal active"
	}
	if strings.TrimSpace(cfg.Mode) == "" {
		cfg.Mode = "block"
	}
	return &Logind{cfg: cfg}
}

func (l *Logind) Inhibit(ctx context.Context) (io.Closer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := login1.New()
	if err != nil {
		return nil, fmt.Errorf("connect to logind: %w", err)
	}
	f, err := conn.Inhibit(l.cfg.What, l.cfg.Who, l.cfg.Why, l.cfg.Mode)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("logind inhibit %s: %w", l.cfg.What, err)
	}
	return &logindHandle{conn: conn, f: f}, nil
}

type logindHandle struct {
	conn *login1.Conn
	f    *os.File
}

func (h *logindHandle) Close() error {
	err := h.f.Close()
	h.conn.Close()
	return err
}
