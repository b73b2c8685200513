package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/delivery"
	"github.com/loqalabs/loqa-tts/internal/registry"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// ErrGenerationAborted marks a streaming generation stopped because a chunk
// could not be delivered.
var ErrGenerationAborted = errors.New("generation aborted")

// Resolver is the slice of the registry the pipeline needs.
type Resolver interface {
	Lookup(name string) (*registry.Entry, error)
}

// Writer is the sink side of a streaming generation.
type Writer interface {
	Write(samples []float32) error
}

type Pipeline struct {
	models Resolver
}

func New(models Resolver) *Pipeline {
	return &Pipeline{models: models}
}

// Generate runs a one-shot generation under the entry lock and converts the
// result to sampleRate. A sampleRate of zero keeps the native rate.
func (p *Pipeline) Generate(ctx context.Context, model, text string, sampleRate int) (tts.Wave, error) {
	entry, err := p.models.Lookup(model)
	if err != nil {
		return tts.Wave{}, err
	}
	wave, err := entry.Generate(ctx, text)
	if err != nil {
		return tts.Wave{}, fmt.Errorf("generate %s: %w", model, err)
	}
	if sampleRate <= 0 || wave.SampleRate == sampleRate {
		return wave, nil
	}
	samples, err := audio.Resample(wave.Samples, wave.SampleRate, sampleRate)
	if err != nil {
		return tts.Wave{}, err
	}
	return tts.Wave{Samples: samples, SampleRate: sampleRate}, nil
}

// GenerateStream forwards every chunk to w in production order at the
// engine's native rate. The first failed write stops the engine. It returns
// the number of samples written.
func (p *Pipeline) GenerateStream(ctx context.Context, model, text string, chunkHint int, w Writer) (int, error) {
	entry, err := p.models.Lookup(model)
	if err != nil {
		return 0, err
	}
	if chunkHint < 0 {
		chunkHint = 0
	}

	var (
		written  int
		writeErr error
	)
	err = entry.GenerateStream(ctx, text, chunkHint, func(samples []float32, _ float32) tts.Control {
		if err := w.Write(samples); err != nil {
			writeErr = err
			return tts.Stop
		}
		written += len(samples)
		return tts.Continue
	})
	if writeErr != nil {
		if !errors.Is(writeErr, delivery.ErrDeliveryFailed) {
			writeErr = fmt.Errorf("%w: %w", delivery.ErrDeliveryFailed, writeErr)
		}
		return written, fmt.Errorf("%w: %w", ErrGenerationAborted, writeErr)
	}
	if err != nil {
		return written, fmt.Errorf("generate stream %s: %w", model, err)
	}
	return written, nil
}
