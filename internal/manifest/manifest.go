package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrConfigParse marks a manifest that could not be read or is incomplete.
var ErrConfigParse = errors.New("invalid model manifest")

const DefaultProvider = "cpu"

// Manifest describes one model directory. JSON manifests (conf.json) parse
// through the YAML decoder unchanged.
type Manifest struct {
	Model      string `yaml:"model" json:"model"`
	ModelFile  string `yaml:"model_file" json:"model_file"`
	TokensFile string `yaml:"tokens_file" json:"tokens_file"`
	LangKey    string `yaml:"lang_key" json:"lang_key"`
	Provider   string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Engine     string `yaml:"engine,omitempty" json:"engine,omitempty"`
	SampleRate int    `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
	NumThreads int    `yaml:"num_threads,omitempty" json:"num_threads,omitempty"`

	// Dir is the directory the manifest was loaded from.
	Dir string `yaml:"-" json:"-"`
}

// Load reads a manifest from disk and applies defaults.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", ErrConfigParse, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %s: %w", ErrConfigParse, path, err)
	}
	if m.Provider == "" {
		m.Provider = DefaultProvider
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

// Validate ensures manifest contains required fields.
func Validate(m Manifest) error {
	if m.Model == "" {
		return fmt.Errorf("%w: model is required", ErrConfigParse)
	}
	if m.ModelFile == "" {
		return fmt.Errorf("%w: model_file is required", ErrConfigParse)
	}
	if m.TokensFile == "" {
		return fmt.Errorf("%w: tokens_file is required", ErrConfigParse)
	}
	if m.LangKey == "" {
		return fmt.Errorf("%w: lang_key is required", ErrConfigParse)
	}
	if m.SampleRate < 0 {
		return fmt.Errorf("%w: sample_rate must be >= 0", ErrConfigParse)
	}
	if m.NumThreads < 0 {
		return fmt.Errorf("%w: num_threads must be >= 0", ErrConfigParse)
	}
	return nil
}

// ModelPath resolves model_file against the manifest directory.
func (m Manifest) ModelPath() string { return m.resolve(m.ModelFile) }

// TokensPath resolves tokens_file against the manifest directory.
func (m Manifest) TokensPath() string { return m.resolve(m.TokensFile) }

func (m Manifest) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// Discover returns the manifest path of every immediate subdirectory of root
// that contains a file called name. Subdirectories without one are reported in
// missing.
func Discover(root, name string) (found []string, missing []string, err error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, err
	}
	for _, entry := range entries {
		dir := filepath.Join(root, entry.Name())
		// Stat follows symlinked model directories.
		if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
			continue
		}
		path := filepath.Join(dir, name)
		if info, statErr := os.Stat(path); statErr != nil || info.IsDir() {
			missing = append(missing, dir)
			continue
		}
		found = append(found, path)
	}
	return found, missing, nil
}
