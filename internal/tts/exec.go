package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecOptions tunes the exec backend.
type ExecOptions struct {
	ChunkSamples int
	ProbeText    string
}

// execEngine drives an external synthesizer that writes a WAV file per call.
type execEngine struct {
	args       []string
	cfg        EngineConfig
	opts       ExecOptions
	sampleRate int
}

// NewExecEngine parses the command template and, when the manifest does not
// pin a sample rate, runs one probe generation to learn it.
func NewExecEngine(ctx context.Context, command string, cfg EngineConfig, opts ExecOptions) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	for _, path := range []string{cfg.ModelPath, cfg.TokensPath} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("model asset: %w", err)
		}
	}
	if opts.ChunkSamples <= 0 {
		opts.ChunkSamples = 4096
	}
	if opts.ProbeText == "" {
		opts.ProbeText = "ok"
	}

	e := &execEngine{args: args, cfg: cfg, opts: opts, sampleRate: cfg.SampleRate}
	if e.sampleRate <= 0 {
		wave, err := e.Generate(ctx, opts.ProbeText)
		if err != nil {
			return nil, fmt.Errorf("probe sample rate: %w", err)
		}
		if wave.SampleRate <= 0 {
			return nil, fmt.Errorf("probe sample rate: engine reported %d", wave.SampleRate)
		}
		e.sampleRate = wave.SampleRate
	}
	return e, nil
}

func (e *execEngine) SampleRate() int { return e.sampleRate }

func (e *execEngine) Generate(ctx context.Context, text string) (Wave, error) {
	out, err := os.CreateTemp("", "loqa_tts_*.wav")
	if err != nil {
		return Wave{}, fmt.Errorf("temp file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	args, textInArgs := e.expand(text, outPath)
	command := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if !textInArgs {
		command.Stdin = strings.NewReader(text)
	}
	if err := command.Run(); err != nil {
		return Wave{}, fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return readWave(outPath)
}

func (e *execEngine) GenerateStream(ctx context.Context, text string, chunkHint int, fn ChunkFunc) error {
	wave, err := e.Generate(ctx, text)
	if err != nil {
		return err
	}
	size := chunkHint
	if size <= 0 {
		size = e.opts.ChunkSamples
	}
	return emitChunks(ctx, wave.Samples, size, fn)
}

func (e *execEngine) Close() error { return nil }

func (e *execEngine) expand(text, outPath string) ([]string, bool) {
	replacer := strings.NewReplacer(
		"{model}", e.cfg.ModelPath,
		"{tokens}", e.cfg.TokensPath,
		"{provider}", e.cfg.Provider,
		"{threads}", strconv.Itoa(e.cfg.NumThreads),
		"{output}", outPath,
		"{text}", text,
	)
	textInArgs := false
	args := make([]string, len(e.args))
	for i, arg := range e.args {
		if strings.Contains(arg, "{text}") {
			textInArgs = true
		}
		args[i] = replacer.Replace(arg)
	}
	return args, textInArgs
}

func readWave(path string) (Wave, error) {
	f, err := os.Open(path)
	if err != nil {
		return Wave{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Wave{}, fmt.Errorf("tts command produced an invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Wave{}, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(dec.NumChans)
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	mono := audio.FirstChannel(buf.Data, channels)
	return Wave{
		Samples:    audio.IntToFloat32(mono, int(dec.BitDepth)),
		SampleRate: int(dec.SampleRate),
	}, nil
}
