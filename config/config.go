// Package config loads settings from defaults, an optional config file and
// SPEAKERS_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SPEAKERS"

var ErrInvalid = errors.New("invalid configuration")

type (
	Config struct {
		Database      Database      `mapstructure:"database"`
		Storage       Storage       `mapstructure:"storage"`
		Worker        Worker        `mapstructure:"worker"`
		Audio         Audio         `mapstructure:"audio"`
		Diarization   Diarization   `mapstructure:"diarization"`
		Transcription Transcription `mapstructure:"transcription"`
		Log           Log           `mapstructure:"log"`
	}

	Database struct {
		Driver         string        `mapstructure:"driver"`
		Path           string        `mapstructure:"path"`
		URI            string        `mapstructure:"uri"`
		Name           string        `mapstructure:"name"`
		ConnectRetries int           `mapstructure:"connect_retries"`
		RetryDelay     time.Duration `mapstructure:"retry_delay"`
	}

	Storage struct {
		Path string `mapstructure:"path"`
	}

	Worker struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
	}

	Audio struct {
		FFmpeg string `mapstructure:"ffmpeg"`
	}

	// Engine commands left empty run the embedded helper scripts with
	// Python.
	Diarization struct {
		Command     string `mapstructure:"command"`
		Python      string `mapstructure:"python"`
		Model       string `mapstructure:"model"`
		HFToken     string `mapstructure:"hf_token"`
		MinSpeakers int    `mapstructure:"min_speakers"`
		MaxSpeakers int    `mapstructure:"max_speakers"`
	}

	Transcription struct {
		Command     string `mapstructure:"command"`
		Python      string `mapstructure:"python"`
		Model       string `mapstructure:"model"`
		Device      string `mapstructure:"device"`
		ComputeType string `mapstructure:"compute_type"`
		Threads     int    `mapstructure:"threads"`
		// Language is the process-wide default; empty lets the engine detect.
		Language  string `mapstructure:"language"`
		BeamSize  int    `mapstructure:"beam_size"`
		BestOf    int    `mapstructure:"best_of"`
		VADFilter bool   `mapstructure:"vad_filter"`
	}

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./speakers.db")
	v.SetDefault("database.uri", "mongodb://localhost:27017")
	v.SetDefault("database.name", "speaker_db")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.retry_delay", 5*time.Second)

	v.SetDefault("storage.path", "./storage")
	v.SetDefault("worker.poll_interval", 5*time.Second)

	v.SetDefault("audio.ffmpeg", "ffmpeg")

	v.SetDefault("diarization.command", "")
	v.SetDefault("diarization.python", "python3")
	v.SetDefault("diarization.model", "pyannote/speaker-diarization-3.1")
	v.SetDefault("diarization.hf_token", "")
	v.SetDefault("diarization.min_speakers", 0)
	v.SetDefault("diarization.max_speakers", 0)

	v.SetDefault("transcription.command", "")
	v.SetDefault("transcription.python", "python3")
	v.SetDefault("transcription.model", "base")
	v.SetDefault("transcription.device", "cpu")
	v.SetDefault("transcription.compute_type", "int8")
	v.SetDefault("transcription.threads", 4)
	v.SetDefault("transcription.language", "")
	v.SetDefault("transcription.beam_size", 1)
	v.SetDefault("transcription.best_of", 1)
	v.SetDefault("transcription.vad_filter", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("diarization.hf_token", envPrefix+"_DIARIZATION_HF_TOKEN", "HUGGINGFACE_TOKEN", "HF_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("binding token env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks settings every command needs.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("%w: database.path is empty", ErrInvalid)
		}
	case "mongo":
		if c.Database.URI == "" || c.Database.Name == "" {
			return fmt.Errorf("%w: database.uri and database.name are required for mongo", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown database.driver %q", ErrInvalid, c.Database.Driver)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is empty", ErrInvalid)
	}
	if c.Diarization.MinSpeakers < 0 || c.Diarization.MaxSpeakers < 0 {
		return fmt.Errorf("%w: speaker counts must not be negative", ErrInvalid)
	}
	if c.Diarization.MinSpeakers > 0 && c.Diarization.MaxSpeakers > 0 && c.Diarization.MinSpeakers > c.Diarization.MaxSpeakers {
		return fmt.Errorf("%w: diarization.min_speakers exceeds diarization.max_speakers", ErrInvalid)
	}
	return nil
}

// ValidateWorker adds the checks only a processing worker needs. A missing
// HuggingFace token is fatal here.
func (c Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Diarization.HFToken) == "" {
		return fmt.Errorf("%w: diarization.hf_token (or HF_TOKEN) is required", ErrInvalid)
	}
	if c.Diarization.Command == "" && c.Diarization.Python == "" {
		return fmt.Errorf("%w: diarization needs a command or a python interpreter", ErrInvalid)
	}
	if c.Transcription.Command == "" && c.Transcription.Python == "" {
		return fmt.Errorf("%w: transcription needs a command or a python interpreter", ErrInvalid)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("%w: worker.poll_interval must be positive", ErrInvalid)
	}
	return nil
}
