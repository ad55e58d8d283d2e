package fasterwhisper

import (
	"context"
	"errors"
	"os"
	"testing"

	"speakers/command"
	"speakers/speakers"
)

type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (command.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (command.Result, error) {
	return f.run(ctx, name, args...)
}

// TestTranscribeDecodesSegments verifies offsets, trimmed text and confidence.
func TestTranscribeDecodesSegments(t *testing.T) {
	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (command.Result, error) {
			return command.Result{Stdout: `{"language":"en","segments":[
				{"start": 0, "end": 1.2, "text": " hello there ", "confidence": 0.9},
				{"start": 1.2, "end": 2.5, "text": "general"}
			]}`}, nil
		},
	}

	segs, err := NewWithRunner(Config{Command: "fw"}, runner).Transcribe(context.Background(), "/clip.wav", speakers.TranscribeOptions{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	if segs[0].Text != "hello there" || segs[0].EndOffset != 1.2 || segs[0].Confidence != 0.9 {
		t.Fatalf("segment 0 = %+v", segs[0])
	}
	if segs[1].StartOffset != 1.2 || segs[1].EndOffset != 2.5 || segs[1].Confidence != 0 {
		t.Fatalf("segment 1 = %+v", segs[1])
	}
}

// TestBuildArgsFixedLanguage verifies decoding options reach the helper.
func TestBuildArgsFixedLanguage(t *testing.T) {
	args := buildArgs(Config{Model: "base", Device: "cpu", ComputeType: "int8", Threads: 4}, "/c.wav",
		speakers.TranscribeOptions{Language: "de", BeamSize: 1, BestOf: 1, VADFilter: true})

	for key, want := range map[string]string{
		"--audio":        "/c.wav",
		"--model":        "base",
		"--device":       "cpu",
		"--compute-type": "int8",
		"--threads":      "4",
		"--language":     "de",
		"--beam-size":    "1",
		"--best-of":      "1",
	} {
		if got := argValue(args, key); got != want {
			t.Fatalf("%s = %q, want %q (args=%v)", key, got, want, args)
		}
	}
	if !hasArg(args, "--vad-filter") {
		t.Fatalf("expected --vad-filter in %v", args)
	}
}

// TestBuildArgsAutoLanguage verifies auto detection passes no language flag.
func TestBuildArgsAutoLanguage(t *testing.T) {
	for _, lang := range []string{"", "auto", " AUTO "} {
		if args := buildArgs(Config{}, "/c.wav", speakers.TranscribeOptions{Language: lang}); hasArg(args, "--language") {
			t.Fatalf("language %q should not pass --language, args=%v", lang, args)
		}
	}
}

// TestTranscribeEmptyPath checks a segment without a clip fails as an engine error.
func TestTranscribeEmptyPath(t *testing.T) {
	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (command.Result, error) {
			t.Fatal("helper should not run without a file")
			return command.Result{}, nil
		},
	}

	_, err := NewWithRunner(Config{Command: "fw"}, runner).Transcribe(context.Background(), "", speakers.TranscribeOptions{})
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("error = %v, want ErrEngine", err)
	}
}

// TestTranscribeHelperFailure checks process failures map to ErrEngine.
func TestTranscribeHelperFailure(t *testing.T) {
	runner := &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (command.Result, error) {
			return command.Result{ExitCode: 2}, errors.New("exit status 2")
		},
	}

	_, err := NewWithRunner(Config{Command: "fw"}, runner).Transcribe(context.Background(), "/c.wav", speakers.TranscribeOptions{})
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("error = %v, want ErrEngine", err)
	}
}

func argValue(args []string, key string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == key {
			return args[i+1]
		}
	}
	return ""
}

func hasArg(args []string, key string) bool {
	for _, arg := range args {
		if arg == key {
			return true
		}
	}
	return false
}

// TestNewEmbeddedHelper verifies an unset command runs the bundled script with
// Python, and Close removes it.
func TestNewEmbeddedHelper(t *testing.T) {
	w, err := New(Config{Model: "small"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	body, err := os.ReadFile(w.script)
	if err != nil {
		t.Fatalf("read helper: %v", err)
	}
	if string(body) != string(helperScript) {
		t.Fatal("written helper differs from the embedded one")
	}

	name, args := w.invocation([]string{"--audio", "/c.wav"})
	if name != "python3" || len(args) != 3 || args[0] != w.script || args[1] != "--audio" {
		t.Fatalf("invocation = %s %v", name, args)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(w.script); !os.IsNotExist(err) {
		t.Fatalf("helper still present: %v", err)
	}
}

// TestExternalCommandBypassesHelper verifies a configured command runs as is.
func TestExternalCommandBypassesHelper(t *testing.T) {
	w := NewWithRunner(Config{Command: "fw"}, nil)
	name, args := w.invocation([]string{"--audio", "/c.wav"})
	if name != "fw" || len(args) != 2 {
		t.Fatalf("invocation = %s %v", name, args)
	}
}
