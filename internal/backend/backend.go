package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNetwork     = errors.New("inference backend unreachable")
	ErrTimeout     = errors.New("inference request timed out")
	ErrModel       = errors.New("model error")
	ErrUnavailable = errors.New("no model available")
)

// Options tune a single generate call. Zero Temperature leaves the
// server default in place.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Backend is a local inference service.
type Backend interface {
	ListModels(ctx context.Context) ([]string, error)
	Generate(ctx context.Context, model, prompt string, opt Options) (string, error)
}

// transportErr maps a failed round trip onto ErrTimeout or ErrNetwork.
func transportErr(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}

	return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
}
