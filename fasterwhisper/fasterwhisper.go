package fasterwhisper

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"speakers/command"
	"speakers/speakers"
)

//go:embed assets/transcribe.py
var helperScript []byte

var ErrEngine = errors.New("transcription engine error")

type (
	transcribeResult struct {
		Language string    `json:"language"`
		Segments []segment `json:"segments"`
	}

	segment struct {
		Text       string           `json:"text"`
		Start      decimal.Decimal  `json:"start"`
		End        decimal.Decimal  `json:"end"`
		Confidence *decimal.Decimal `json:"confidence"`
	}
)

type Config struct {
	// Command is an external helper executable. Empty runs the embedded
	// helper script with Python.
	Command     string
	Python      string
	Model       string
	Device      string
	ComputeType string
	Threads     int
}

type Transcriber struct {
	cfg    Config
	runner command.Runner
	script string
}

var _ speakers.Transcriber = (*Transcriber)(nil)

func New(cfg Config) (*Transcriber, error) {
	w := NewWithRunner(cfg, &command.Exec{})
	if cfg.Command == "" {
		script, err := command.WriteScript("speakers-transcribe-*.py", helperScript)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEngine, err)
		}
		w.script = script
	}
	return w, nil
}

func NewWithRunner(cfg Config, runner command.Runner) *Transcriber {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	return &Transcriber{cfg: cfg, runner: runner}
}

// Close removes the embedded helper written by New.
func (w *Transcriber) Close() error {
	if w.script == "" {
		return nil
	}
	return os.Remove(w.script)
}

func (w *Transcriber) Transcribe(ctx context.Context, filePath string, opts speakers.TranscribeOptions) ([]speakers.TranscriptionSegment, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, fmt.Errorf("%w: no audio file", ErrEngine)
	}

	name, args := w.invocation(buildArgs(w.cfg, filePath, opts))
	res, err := w.runner.Run(ctx, name, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: transcribing %s: %v", ErrEngine, filePath, err)
	}

	var tr transcribeResult
	if err = json.Unmarshal([]byte(res.Stdout), &tr); err != nil {
		return nil, fmt.Errorf("%w: decoding transcription output: %v", ErrEngine, err)
	}

	out := make([]speakers.TranscriptionSegment, len(tr.Segments))
	for n, s := range tr.Segments {
		out[n] = speakers.TranscriptionSegment{
			StartOffset: s.Start.InexactFloat64(),
			EndOffset:   s.End.InexactFloat64(),
			Text:        strings.TrimSpace(s.Text),
		}
		if s.Confidence != nil {
			out[n].Confidence = s.Confidence.InexactFloat64()
		}
	}
	return out, nil
}

func (w *Transcriber) invocation(args []string) (string, []string) {
	if w.cfg.Command != "" {
		return w.cfg.Command, args
	}
	return w.cfg.Python, append([]string{w.script}, args...)
}

func buildArgs(cfg Config, filePath string, opts speakers.TranscribeOptions) []string {
	args := []string{"--audio", filePath}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.Device != "" {
		args = append(args, "--device", cfg.Device)
	}
	if cfg.ComputeType != "" {
		args = append(args, "--compute-type", cfg.ComputeType)
	}
	if cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(cfg.Threads))
	}
	if lang := normalizeLanguage(opts.Language); lang != "" {
		args = append(args, "--language", lang)
	}
	if opts.BeamSize > 0 {
		args = append(args, "--beam-size", strconv.Itoa(opts.BeamSize))
	}
	if opts.BestOf > 0 {
		args = append(args, "--best-of", strconv.Itoa(opts.BestOf))
	}
	if opts.VADFilter {
		args = append(args, "--vad-filter")
	}
	return args
}

// normalizeLanguage maps "auto" and empty language to no override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}
