package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/manifest"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'list', 'probe' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		cmd := flag.NewFlagSet("validate", flag.ExitOnError)
		dir := cmd.String("dir", ".", "Model directory")
		name := cmd.String("manifest", "conf.json", "Manifest file name")
		cmd.Parse(os.Args[2:])
		if err = runValidate(filepath.Join(*dir, *name)); err == nil {
			fmt.Println("manifest valid")
		}
	case "list":
		cmd := flag.NewFlagSet("list", flag.ExitOnError)
		root := cmd.String("root", ".", "Models root directory")
		name := cmd.String("manifest", "conf.json", "Manifest file name")
		cmd.Parse(os.Args[2:])
		err = runList(*root, *name)
	case "probe":
		cmd := flag.NewFlagSet("probe", flag.ExitOnError)
		dir := cmd.String("dir", ".", "Model directory")
		name := cmd.String("manifest", "conf.json", "Manifest file name")
		configPath := cmd.String("config", "", "Daemon configuration file for engine settings")
		text := cmd.String("text", "Hello from loqa.", "Text to synthesize")
		out := cmd.String("out", "probe.wav", "Output WAV file")
		cmd.Parse(os.Args[2:])
		err = runProbe(*configPath, filepath.Join(*dir, *name), *text, *out)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(path string) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	if err := manifest.Validate(m); err != nil {
		return err
	}
	var missing []error
	for _, asset := range []string{m.ModelPath(), m.TokensPath()} {
		if _, err := os.Stat(asset); err != nil {
			missing = append(missing, fmt.Errorf("asset %s: %w", asset, err))
		}
	}
	return errors.Join(missing...)
}

func runList(root, name string) error {
	found, missing, err := manifest.Discover(root, name)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tLANG\tENGINE\tRATE\tDIR")
	for _, path := range found {
		m, err := manifest.Load(path)
		if err == nil {
			err = manifest.Validate(m)
		}
		if err != nil {
			fmt.Fprintf(w, "-\t-\t-\t-\t%s (%v)\n", filepath.Dir(path), err)
			continue
		}
		rate := "probe"
		if m.SampleRate > 0 {
			rate = fmt.Sprint(m.SampleRate)
		}
		engine := m.Engine
		if engine == "" {
			engine = "default"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Model, m.LangKey, engine, rate, m.Dir)
	}
	for _, dir := range missing {
		fmt.Fprintf(w, "-\t-\t-\t-\t%s (no %s)\n", dir, name)
	}
	return w.Flush()
}

func runProbe(configPath, manifestPath, text, out string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}
	if err := manifest.Validate(m); err != nil {
		return err
	}
	kind := m.Engine
	if kind == "" {
		kind = cfg.Models.DefaultEngine
	}
	threads := m.NumThreads
	if threads <= 0 {
		threads = cfg.Models.NumThreads
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	builders := tts.DefaultBuilders(tts.BackendOptions{
		ExecCommand:    cfg.Models.Exec.Command,
		ProbeText:      cfg.Models.Exec.ProbeText,
		ChunkSamples:   cfg.Models.StreamChunkSamples,
		MockSampleRate: cfg.Models.Mock.SampleRate,
	})
	engine, err := builders.Build(ctx, kind, tts.EngineConfig{
		Name:       m.Model,
		ModelPath:  m.ModelPath(),
		TokensPath: m.TokensPath(),
		Provider:   m.Provider,
		NumThreads: threads,
		SampleRate: m.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer engine.Close()

	start := time.Now()
	wave, err := engine.Generate(ctx, text)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if err := writeWAV(out, wave); err != nil {
		return err
	}
	fmt.Printf("%s: %d samples at %d Hz in %s -> %s\n", m.Model, len(wave.Samples), wave.SampleRate, time.Since(start).Round(time.Millisecond), out)
	return nil
}

func writeWAV(path string, wave tts.Wave) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	data := make([]int, len(wave.Samples))
	for i, s := range wave.Samples {
		data[i] = int(math.Round(float64(max(-1, min(1, s))) * math.MaxInt16))
	}
	enc := wav.NewEncoder(f, wave.SampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: wave.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}
