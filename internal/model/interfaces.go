package model

import (
	"context"

	"github.com/harunnryd/kiroku/internal/realtime"
)

// Case is one unit of work handed to a model. Audio wins over AudioPath.
type Case struct {
	ID        string
	Audio     []byte
	AudioPath string
	Overrides map[string]any

	OnEvent   func(realtime.Event)
	OnDisplay func(realtime.Event)
}

type Model interface {
	Name() string
	Type() string
	Infer(ctx context.Context, c Case) (*realtime.Result, error)
	// Metadata describes the configuration without credentials.
	Metadata() map[string]any
}
