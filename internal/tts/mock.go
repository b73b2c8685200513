package tts

import (
	"context"
	"math"
)

const (
	mockSamplesPerRune = 220
	mockChunkSamples   = 1024
)

type mockEngine struct {
	sampleRate int
}

// NewMockEngine returns a deterministic tone generator. Output length grows with the text.
func NewMockEngine(sampleRate int) Engine {
	return &mockEngine{sampleRate: sampleRate}
}

func (m *mockEngine) SampleRate() int { return m.sampleRate }

func (m *mockEngine) Generate(ctx context.Context, text string) (Wave, error) {
	if err := ctx.Err(); err != nil {
		return Wave{}, err
	}
	return Wave{Samples: m.render(text), SampleRate: m.sampleRate}, nil
}

func (m *mockEngine) GenerateStream(ctx context.Context, text string, chunkHint int, fn ChunkFunc) error {
	samples := m.render(text)
	if chunkHint <= 0 {
		chunkHint = mockChunkSamples
	}
	return emitChunks(ctx, samples, chunkHint, fn)
}

func (m *mockEngine) Close() error { return nil }

func (m *mockEngine) render(text string) []float32 {
	n := len([]rune(text)) * mockSamplesPerRune
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.2 * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate)))
	}
	return out
}

// emitChunks slices samples into consecutive chunks and feeds them to fn in order.
func emitChunks(ctx context.Context, samples []float32, size int, fn ChunkFunc) error {
	total := len(samples)
	if total == 0 {
		return nil
	}
	for start := 0; start < total; start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + size
		if end > total {
			end = total
		}
		progress := float32(end) / float32(total)
		if fn(samples[start:end], progress) == Stop {
			return ErrStopped
		}
	}
	return nil
}
