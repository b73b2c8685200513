package tts

import (
	"context"
	"fmt"
)

const (
	BackendExec = "exec"
	BackendMock = "mock"
)

// Builder constructs an engine for one model.
type Builder func(ctx context.Context, cfg EngineConfig) (Engine, error)

// Builders maps an engine kind (manifest "engine" field) to its constructor.
type Builders map[string]Builder

// BackendOptions are daemon-wide settings shared by all engines of a kind.
type BackendOptions struct {
	ExecCommand    string
	ProbeText      string
	ChunkSamples   int
	MockSampleRate int
}

func DefaultBuilders(opts BackendOptions) Builders {
	return Builders{
		BackendExec: func(ctx context.Context, cfg EngineConfig) (Engine, error) {
			return NewExecEngine(ctx, opts.ExecCommand, cfg, ExecOptions{
				ChunkSamples: opts.ChunkSamples,
				ProbeText:    opts.ProbeText,
			})
		},
		BackendMock: func(_ context.Context, cfg EngineConfig) (Engine, error) {
			rate := cfg.SampleRate
			if rate <= 0 {
				rate = opts.MockSampleRate
			}
			if rate <= 0 {
				return nil, fmt.Errorf("mock engine requires a sample rate")
			}
			return NewMockEngine(rate), nil
		},
	}
}

// Build looks up the builder for kind and runs it.
func (b Builders) Build(ctx context.Context, kind string, cfg EngineConfig) (Engine, error) {
	builder, ok := b[kind]
	if !ok {
		return nil, fmt.Errorf("unknown engine kind %q", kind)
	}
	return builder(ctx, cfg)
}
