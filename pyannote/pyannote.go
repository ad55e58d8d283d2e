// Package pyannote runs speaker diarization through an external helper that
// wraps a pyannote pipeline and prints its turns as JSON.
package pyannote

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

//go:embed assets/diarize.py
var helperScript []byte

// ErrEngine marks unreadable audio, authentication failures and any other
// failure reported by the diarization helper.
var ErrEngine = errors.New("diarization engine error")

type (
	diarizeResult struct {
		Turns []turn `json:"turns"`
	}

	turn struct {
		Start      decimal.Decimal  `json:"start"`
		End        decimal.Decimal  `json:"end"`
		Speaker    string           `json:"speaker"`
		Confidence *decimal.Decimal `json:"confidence"`
	}
)

type Config struct {
	// Command is an external helper executable. Empty runs the embedded
	// helper script with Python.
	Command string
	Python  string
	Model   string
	// HFToken authenticates model downloads; it reaches the helper only
	// through its environment.
	HFToken string
}

// Diarizer is a long-lived handle; it is built once per worker.
type Diarizer struct {
	cfg    Config
	runner command.Runner
	script string
}

var _ speakers.Diarizer = (*Diarizer)(nil)

func New(cfg Config) (*Diarizer, error) {
	if strings.TrimSpace(cfg.HFToken) == "" {
		return nil, fmt.Errorf("%w: huggingface token is required", ErrEngine)
	}
	runner := &command.Exec{Env: []string{
		"HF_TOKEN=" + cfg.HFToken,
		"HUGGINGFACE_HUB_TOKEN=" + cfg.HFToken,
	}}
	d := NewWithRunner(cfg, runner)

	if cfg.Command == "" {
		script, err := command.WriteScript("speakers-diarize-*.py", helperScript)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEngine, err)
		}
		d.script = script
	}
	return d, nil
}

func NewWithRunner(cfg Config, runner command.Runner) *Diarizer {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	return &Diarizer{cfg: cfg, runner: runner}
}

// Close removes the embedded helper written by New.
func (d *Diarizer) Close() error {
	if d.script == "" {
		return nil
	}
	return os.Remove(d.script)
}

func (d *Diarizer) Diarize(ctx context.Context, filePath string, opts speakers.DiarizeOptions) ([]speakers.Turn, error) {
	name, args := d.invocation(buildArgs(d.cfg.Model, filePath, opts))
	res, err := d.runner.Run(ctx, name, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: diarizing %s: %v", ErrEngine, filePath, err)
	}

	var dr diarizeResult
	if err = json.Unmarshal([]byte(res.Stdout), &dr); err != nil {
		return nil, fmt.Errorf("%w: decoding diarization output: %v", ErrEngine, err)
	}

	turns := make([]speakers.Turn, len(dr.Turns))
	for n, t := range dr.Turns {
		turns[n] = speakers.Turn{
			Start:   t.Start.InexactFloat64(),
			End:     t.End.InexactFloat64(),
			Speaker: t.Speaker,
		}
		if t.Confidence != nil {
			turns[n].Confidence = t.Confidence.InexactFloat64()
		}
	}
	return turns, nil
}

func (d *Diarizer) invocation(args []string) (string, []string) {
	if d.cfg.Command != "" {
		return d.cfg.Command, args
	}
	return d.cfg.Python, append([]string{d.script}, args...)
}

func buildArgs(model, filePath string, opts speakers.DiarizeOptions) []string {
	args := []string{"--audio", filePath}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.MinSpeakers > 0 {
		args = append(args, "--min-speakers", strconv.Itoa(opts.MinSpeakers))
	}
	if opts.MaxSpeakers > 0 {
		args = append(args, "--max-speakers", strconv.Itoa(opts.MaxSpeakers))
	}
	return args
}
