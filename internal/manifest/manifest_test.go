package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const validJSON = `{
  "model": "vits-piper-en_US-lessac-medium",
  "model_file": "en_US-lessac-medium.onnx",
  "tokens_file": "tokens.txt",
  "lang_key": "en-US"
}`

func writeManifest(t *testing.T, dir, name, body string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lessac")
	path := writeManifest(t, dir, "conf.json", validJSON)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Provider != DefaultProvider {
		t.Fatalf("expected default provider, got %q", m.Provider)
	}
	if m.ModelPath() != filepath.Join(dir, "en_US-lessac-medium.onnx") {
		t.Fatalf("unexpected model path %q", m.ModelPath())
	}
	if m.TokensPath() != filepath.Join(dir, "tokens.txt") {
		t.Fatalf("unexpected tokens path %q", m.TokensPath())
	}
}

func TestLoadYAMLManifestWithExtras(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "amy")
	path := writeManifest(t, dir, "conf.yaml", `model: amy
model_file: /abs/amy.onnx
tokens_file: tokens.txt
lang_key: en-GB
provider: cuda
engine: mock
sample_rate: 22050
`)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Provider != "cuda" || m.Engine != "mock" || m.SampleRate != 22050 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if m.ModelPath() != "/abs/amy.onnx" {
		t.Fatalf("absolute paths must be kept, got %q", m.ModelPath())
	}
}

func TestLoadUnparsable(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "conf.json", `{"model": `)
	if _, err := Load(path); !errors.Is(err, ErrConfigParse) {
		t.Fatalf("expected ErrConfigParse, got %v", err)
	}
}

func TestValidateMissingFields(t *testing.T) {
	if err := Validate(Manifest{}); !errors.Is(err, ErrConfigParse) {
		t.Fatalf("expected validation error, got %v", err)
	}
	m := Manifest{Model: "x", ModelFile: "m", TokensFile: "t"}
	if err := Validate(m); err == nil {
		t.Fatal("expected error for missing lang_key")
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "a"), "conf.json", validJSON)
	writeManifest(t, filepath.Join(root, "b"), "conf.json", validJSON)
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	found, missing, err := Discover(root, "conf.json")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 manifests, got %v", found)
	}
	if len(missing) != 1 || filepath.Base(missing[0]) != "empty" {
		t.Fatalf("expected empty dir reported missing, got %v", missing)
	}
}

func TestDiscoverFollowsSymlinkedDirs(t *testing.T) {
	root := t.TempDir()
	elsewhere := filepath.Join(t.TempDir(), "shared-voice")
	writeManifest(t, elsewhere, "conf.json", validJSON)
	if err := os.Symlink(elsewhere, filepath.Join(root, "linked")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "nowhere"), filepath.Join(root, "dangling")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	found, missing, err := Discover(root, "conf.json")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(found) != 1 || found[0] != filepath.Join(root, "linked", "conf.json") {
		t.Fatalf("expected the symlinked model to be found, got %v", found)
	}
	if len(missing) != 0 {
		t.Fatalf("dangling links are not model directories, got %v", missing)
	}
}
