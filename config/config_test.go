package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadDefaults verifies defaults apply without a file or environment.
func TestLoadDefaults(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	t.Setenv("HUGGINGFACE_TOKEN", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Name != "speaker_db" || cfg.Database.ConnectRetries != 5 {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if cfg.Worker.PollInterval != 5*time.Second {
		t.Fatalf("poll interval = %s", cfg.Worker.PollInterval)
	}
	if cfg.Diarization.Command != "" || cfg.Diarization.Python != "python3" ||
		cfg.Transcription.Command != "" || cfg.Transcription.Python != "python3" {
		t.Fatalf("engines = %+v / %+v", cfg.Diarization, cfg.Transcription)
	}
	tr := cfg.Transcription
	if tr.Model != "base" || tr.Device != "cpu" || tr.ComputeType != "int8" || tr.Threads != 4 ||
		tr.BeamSize != 1 || tr.BestOf != 1 || !tr.VADFilter || tr.Language != "" {
		t.Fatalf("transcription = %+v", tr)
	}

	if err := cfg.ValidateWorker(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("ValidateWorker() without token = %v, want ErrInvalid", err)
	}
}

// TestLoadFileAndEnv verifies environment values override the config file.
func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speakers.yaml")
	content := `
database:
  driver: mongo
  uri: mongodb://db:27017
worker:
  poll_interval: 2s
transcription:
  language: de
  beam_size: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SPEAKERS_TRANSCRIPTION_LANGUAGE", "fr")
	t.Setenv("HUGGINGFACE_TOKEN", "")
	t.Setenv("HF_TOKEN", "hf_secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "mongo" || cfg.Database.URI != "mongodb://db:27017" {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if cfg.Worker.PollInterval != 2*time.Second {
		t.Fatalf("poll interval = %s", cfg.Worker.PollInterval)
	}
	if cfg.Transcription.Language != "fr" || cfg.Transcription.BeamSize != 5 {
		t.Fatalf("transcription = %+v", cfg.Transcription)
	}
	if cfg.Diarization.HFToken != "hf_secret" {
		t.Fatalf("token = %q", cfg.Diarization.HFToken)
	}
	if err := cfg.ValidateWorker(); err != nil {
		t.Fatalf("ValidateWorker() error = %v", err)
	}
}

// TestValidate covers rejected settings.
func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Database: Database{Driver: "sqlite", Path: "x.db"},
			Storage:  Storage{Path: "./storage"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }},
		{"mongo without uri", func(c *Config) { c.Database.Driver = "mongo" }},
		{"no storage", func(c *Config) { c.Storage.Path = "" }},
		{"inverted hints", func(c *Config) { c.Diarization.MinSpeakers, c.Diarization.MaxSpeakers = 4, 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("Validate() on valid config = %v", err)
	}
}

// TestLoadMissingFile checks an explicit but absent file is an error.
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error")
	}
}

// TestValidateWorkerEngines checks each engine needs a command or a python
// interpreter for its embedded helper.
func TestValidateWorkerEngines(t *testing.T) {
	cfg := Config{
		Database:      Database{Driver: "sqlite", Path: "x.db"},
		Storage:       Storage{Path: "./storage"},
		Worker:        Worker{PollInterval: time.Second},
		Diarization:   Diarization{HFToken: "hf_x", Python: "python3"},
		Transcription: Transcription{Command: "/opt/fw/transcribe"},
	}
	if err := cfg.ValidateWorker(); err != nil {
		t.Fatalf("ValidateWorker() = %v", err)
	}

	cfg.Diarization.Python = ""
	if err := cfg.ValidateWorker(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("ValidateWorker() without diarization engine = %v, want ErrInvalid", err)
	}
}
