package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/manifest"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrModelNotFound  = errors.New("model not found")
	ErrEngineCreation = errors.New("engine creation failed")
	ErrDuplicateModel = errors.New("duplicate model name")
)

type Options struct {
	ManifestName    string
	DefaultEngine   string
	DuplicatePolicy string
	NumThreads      int
	Builders        tts.Builders
}

// Spec is everything needed to construct one model entry.
type Spec struct {
	Name       string
	ModelPath  string
	TokensPath string
	Lang       string
	Provider   string
	Engine     string
	SampleRate int
	NumThreads int
}

// ModelInfo is the public view of an entry returned by Enumerate.
type ModelInfo struct {
	Name       string
	Lang       string
	SampleRate int
}

// Entry owns one engine. Every call into the engine holds mu for its full
// duration; the native rate is read once at creation.
type Entry struct {
	Name     string
	Lang     string
	Provider string
	Kind     string

	sampleRate int
	mu         sync.Mutex
	engine     tts.Engine
}

func (e *Entry) SampleRate() int { return e.sampleRate }

func (e *Entry) Generate(ctx context.Context, text string) (tts.Wave, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engine.Generate(ctx, text)
}

func (e *Entry) GenerateStream(ctx context.Context, text string, chunkHint int, fn tts.ChunkFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engine.GenerateStream(ctx, text, chunkHint, fn)
}

func (e *Entry) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engine.Close()
}

type Registry struct {
	opts    Options
	log     *slog.Logger
	mu      sync.RWMutex
	entries map[string]*Entry
	meter   metric.Meter
}

func New(opts Options, log *slog.Logger) *Registry {
	if opts.ManifestName == "" {
		opts.ManifestName = "conf.json"
	}
	if opts.DefaultEngine == "" {
		opts.DefaultEngine = tts.BackendExec
	}
	if opts.DuplicatePolicy == "" {
		opts.DuplicatePolicy = config.DuplicateReject
	}
	if opts.NumThreads <= 0 {
		opts.NumThreads = 1
	}
	r := &Registry{
		opts:    opts,
		log:     log.With(slog.String("component", "model-registry")),
		entries: make(map[string]*Entry),
		meter:   otel.Meter("github.com/loqalabs/loqa-tts/registry"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	return r
}

// Load scans the immediate subdirectories of dir. Bad or missing manifests and
// engines that fail to construct are skipped; only an unreadable dir is an error.
func (r *Registry) Load(ctx context.Context, dir string) error {
	found, missing, err := manifest.Discover(dir, r.opts.ManifestName)
	if err != nil {
		return fmt.Errorf("scan models root: %w", err)
	}
	for _, m := range missing {
		r.log.Warn("no manifest found in model directory", slog.String("dir", m), slog.String("manifest", r.opts.ManifestName))
	}
	for _, path := range found {
		mf, err := manifest.Load(path)
		if err == nil {
			err = manifest.Validate(mf)
		}
		if err != nil {
			r.log.Warn("skipping model directory", slog.String("path", path), slogError(err))
			continue
		}
		spec := Spec{
			Name:       mf.Model,
			ModelPath:  mf.ModelPath(),
			TokensPath: mf.TokensPath(),
			Lang:       mf.LangKey,
			Provider:   mf.Provider,
			Engine:     mf.Engine,
			SampleRate: mf.SampleRate,
			NumThreads: mf.NumThreads,
		}
		if err := r.Create(ctx, spec); err != nil {
			r.log.Error("failed to load model", slog.String("model", spec.Name), slog.String("dir", mf.Dir), slogError(err))
			continue
		}
		r.log.Info("loaded model", slog.String("model", spec.Name), slog.String("dir", mf.Dir))
	}
	if r.Len() == 0 {
		r.log.Warn("no models loaded", slog.String("directory", dir))
	}
	return nil
}

// Create constructs the engine and inserts the entry. On failure nothing is inserted.
func (r *Registry) Create(ctx context.Context, spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: empty model name", ErrEngineCreation)
	}
	if spec.Engine == "" {
		spec.Engine = r.opts.DefaultEngine
	}
	if spec.Provider == "" {
		spec.Provider = manifest.DefaultProvider
	}
	if spec.NumThreads <= 0 {
		spec.NumThreads = r.opts.NumThreads
	}

	if r.opts.DuplicatePolicy == config.DuplicateReject {
		if _, err := r.Lookup(spec.Name); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, spec.Name)
		}
	}

	engine, err := r.opts.Builders.Build(ctx, spec.Engine, tts.EngineConfig{
		Name:       spec.Name,
		ModelPath:  spec.ModelPath,
		TokensPath: spec.TokensPath,
		Provider:   spec.Provider,
		NumThreads: spec.NumThreads,
		SampleRate: spec.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEngineCreation, spec.Name, err)
	}

	entry := &Entry{
		Name:       spec.Name,
		Lang:       spec.Lang,
		Provider:   spec.Provider,
		Kind:       spec.Engine,
		sampleRate: engine.SampleRate(),
		engine:     engine,
	}

	r.mu.Lock()
	previous, exists := r.entries[spec.Name]
	if exists && r.opts.DuplicatePolicy == config.DuplicateReject {
		r.mu.Unlock()
		_ = engine.Close()
		return fmt.Errorf("%w: %s", ErrDuplicateModel, spec.Name)
	}
	r.entries[spec.Name] = entry
	r.mu.Unlock()

	if exists {
		r.log.Warn("model replaced by later definition", slog.String("model", spec.Name))
		if err := previous.close(); err != nil {
			r.log.Warn("failed to close replaced engine", slog.String("model", spec.Name), slogError(err))
		}
	}
	return nil
}

func (r *Registry) Lookup(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return entry, nil
}

// Enumerate returns a fresh snapshot ordered by name.
func (r *Registry) Enumerate() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]ModelInfo, 0, len(r.entries))
	for _, entry := range r.entries {
		models = append(models, ModelInfo{Name: entry.Name, Lang: entry.Lang, SampleRate: entry.SampleRate()})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close releases every engine. Entries stay registered but must not be used afterwards.
func (r *Registry) Close() error {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	var errs []error
	for _, entry := range entries {
		if err := entry.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", entry.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("loqa.tts.models.loaded", metric.WithDescription("Number of loaded synthesis models"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(r.Len()))
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
