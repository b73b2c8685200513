package tts

import (
	"context"
	"errors"
)

// ErrStopped is returned by GenerateStream when the chunk callback asked to stop.
var ErrStopped = errors.New("generation stopped by callback")

// Wave is a block of mono float32 samples.
type Wave struct {
	Samples    []float32
	SampleRate int
}

// Control is the value a chunk callback hands back to the engine.
type Control int

const (
	Continue Control = iota
	Stop
)

// ChunkFunc receives consecutive chunks of a streaming generation. progress is in [0,1].
type ChunkFunc func(samples []float32, progress float32) Control

// Engine is a loaded synthesis model. Implementations are not safe for
// concurrent use; callers serialize access.
type Engine interface {
	SampleRate() int
	Generate(ctx context.Context, text string) (Wave, error)
	// GenerateStream blocks until generation finishes or fn returns Stop.
	// chunkHint is advisory; zero lets the engine pick.
	GenerateStream(ctx context.Context, text string, chunkHint int, fn ChunkFunc) error
	Close() error
}

// EngineConfig carries everything a backend needs to construct an engine.
type EngineConfig struct {
	Name       string
	ModelPath  string
	TokensPath string
	Provider   string
	NumThreads int
	SampleRate int
}
