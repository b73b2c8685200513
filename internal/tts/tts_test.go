package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestMockGenerate(t *testing.T) {
	engine := NewMockEngine(16000)
	wave, err := engine.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if wave.SampleRate != 16000 {
		t.Fatalf("unexpected sample rate %d", wave.SampleRate)
	}
	if len(wave.Samples) != 5*mockSamplesPerRune {
		t.Fatalf("unexpected sample count %d", len(wave.Samples))
	}
}

func TestMockStreamOrderAndProgress(t *testing.T) {
	engine := NewMockEngine(16000)
	full, _ := engine.Generate(context.Background(), "streaming text")

	var got []float32
	var last float32
	err := engine.GenerateStream(context.Background(), "streaming text", 300, func(samples []float32, progress float32) Control {
		if progress < last || progress > 1 {
			t.Fatalf("progress went from %v to %v", last, progress)
		}
		last = progress
		got = append(got, samples...)
		return Continue
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if last != 1 {
		t.Fatalf("expected final progress 1, got %v", last)
	}
	if len(got) != len(full.Samples) {
		t.Fatalf("streamed %d samples, want %d", len(got), len(full.Samples))
	}
	for i := range got {
		if got[i] != full.Samples[i] {
			t.Fatalf("sample %d out of order", i)
		}
	}
}

func TestMockStreamStop(t *testing.T) {
	engine := NewMockEngine(16000)
	calls := 0
	err := engine.GenerateStream(context.Background(), "a fairly long sentence", 100, func([]float32, float32) Control {
		calls++
		if calls == 2 {
			return Stop
		}
		return Continue
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected no chunks after stop, got %d calls", calls)
	}
}

func writeFixtureWav(t *testing.T, path string, rate int, data []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func execFixture(t *testing.T) (EngineConfig, string) {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "model.onnx")
	tokens := filepath.Join(dir, "tokens.txt")
	for _, p := range []string{model, tokens} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	fixture := filepath.Join(dir, "fixture.wav")
	writeFixtureWav(t, fixture, 16000, []int{0, 16384, -16384, 8192, 0, -8192})
	cfg := EngineConfig{Name: "fixture", ModelPath: model, TokensPath: tokens, Provider: "cpu", NumThreads: 1}
	return cfg, fmt.Sprintf("cp %q {output}", fixture)
}

func TestExecEngineProbesSampleRate(t *testing.T) {
	cfg, command := execFixture(t)
	engine, err := NewExecEngine(context.Background(), command, cfg, ExecOptions{ChunkSamples: 4})
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	if engine.SampleRate() != 16000 {
		t.Fatalf("expected probed rate 16000, got %d", engine.SampleRate())
	}
	wave, err := engine.Generate(context.Background(), "anything")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(wave.Samples) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(wave.Samples))
	}
	if wave.Samples[1] != 0.5 || wave.Samples[2] != -0.5 {
		t.Fatalf("unexpected scaled samples %v", wave.Samples)
	}
}

func TestExecEngineStreamChunks(t *testing.T) {
	cfg, command := execFixture(t)
	cfg.SampleRate = 16000
	engine, err := NewExecEngine(context.Background(), command, cfg, ExecOptions{ChunkSamples: 4})
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	var sizes []int
	err = engine.GenerateStream(context.Background(), "anything", 0, func(samples []float32, _ float32) Control {
		sizes = append(sizes, len(samples))
		return Continue
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(sizes) != 2 || sizes[0] != 4 || sizes[1] != 2 {
		t.Fatalf("unexpected chunk sizes %v", sizes)
	}
}

func TestExecEngineMissingAssets(t *testing.T) {
	cfg := EngineConfig{ModelPath: filepath.Join(t.TempDir(), "missing.onnx")}
	if _, err := NewExecEngine(context.Background(), "true", cfg, ExecOptions{}); err == nil {
		t.Fatal("expected error for missing model file")
	}
}

func TestExecEngineCommandFailure(t *testing.T) {
	cfg, _ := execFixture(t)
	if _, err := NewExecEngine(context.Background(), "false", cfg, ExecOptions{}); err == nil {
		t.Fatal("expected probe failure for failing command")
	}
}

func TestBuildersUnknownKind(t *testing.T) {
	builders := DefaultBuilders(BackendOptions{MockSampleRate: 22050})
	if _, err := builders.Build(context.Background(), "onnx", EngineConfig{}); err == nil {
		t.Fatal("expected error for unknown engine kind")
	}
	engine, err := builders.Build(context.Background(), BackendMock, EngineConfig{})
	if err != nil {
		t.Fatalf("build mock: %v", err)
	}
	if engine.SampleRate() != 22050 {
		t.Fatalf("expected fallback mock rate, got %d", engine.SampleRate())
	}
}
