//go:build !linux

package lease

import (
	"context"
	"errors"
	"io"
)

type LogindConfig struct {
	What string
	Who  string
	Why  string
	Mode string
}

type Logind struct{}

func NewLogind(LogindConfig) *Logind { return &Logind{} }

func (*Logind) Inhibit(context.Context) (io.Closer, error) {
	return nil, errors.New("logind is only available on linux")
}
