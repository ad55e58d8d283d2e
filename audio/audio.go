// Package audio loads recordings as mono PCM at a fixed sample rate and
// writes PCM slices back out as WAV clips.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"speakers/command"
)

// SampleRate is the rate every recording is resampled to on load.
const SampleRate = 16000

const bitDepth = 16

var ErrDecode = errors.New("decoding audio")

// Buffer holds mono PCM samples.
type Buffer struct {
	Samples    []int
	SampleRate int
}

// Len returns the number of samples.
func (b Buffer) Len() int {
	return len(b.Samples)
}

// Slice returns the samples in [start, end). The caller keeps indexes in
// bounds; the result shares the underlying array.
func (b Buffer) Slice(start, end int) Buffer {
	return Buffer{Samples: b.Samples[start:end], SampleRate: b.SampleRate}
}

// Loader resamples a recording through ffmpeg and decodes the result.
type Loader struct {
	ffmpegPath string
	runner     command.Runner
	mkdirTemp  func(dir, pattern string) (string, error)
	removeAll  func(path string) error
}

// NewLoader constructs a Loader running the given ffmpeg binary.
func NewLoader(ffmpegPath string) *Loader {
	return NewLoaderWithRunner(ffmpegPath, &command.Exec{})
}

// NewLoaderWithRunner constructs a Loader with an injectable process runner.
func NewLoaderWithRunner(ffmpegPath string, runner command.Runner) *Loader {
	return &Loader{
		ffmpegPath: ffmpegPath,
		runner:     runner,
		mkdirTemp:  os.MkdirTemp,
		removeAll:  os.RemoveAll,
	}
}

// Load decodes the whole file at path into memory, mono, at SampleRate,
// whatever the source format.
func (l *Loader) Load(ctx context.Context, path string) (Buffer, error) {
	if _, err := os.Stat(path); err != nil {
		return Buffer{}, fmt.Errorf("load audio: %w", err)
	}

	tempDir, err := l.mkdirTemp("", "speakers-audio-*")
	if err != nil {
		return Buffer{}, fmt.Errorf("load audio: temp workspace: %w", err)
	}
	defer func() { _ = l.removeAll(tempDir) }()

	outPath := filepath.Join(tempDir, "resampled.wav")
	if _, err := l.runner.Run(ctx, l.ffmpegPath, buildFFmpegArgs(path, outPath, SampleRate)...); err != nil {
		return Buffer{}, fmt.Errorf("load audio: ffmpeg conversion: %w", err)
	}

	buf, err := ReadWAV(outPath)
	if err != nil {
		return Buffer{}, fmt.Errorf("load audio: %w", err)
	}
	if buf.SampleRate != SampleRate {
		return Buffer{}, fmt.Errorf("load audio: %w: sample rate %d, want %d", ErrDecode, buf.SampleRate, SampleRate)
	}
	return buf, nil
}

// ReadWAV decodes a mono WAV file.
func ReadWAV(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Buffer{}, fmt.Errorf("%w: %s is not a valid wav file", ErrDecode, path)
	}
	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	if d.NumChans != 1 {
		return Buffer{}, fmt.Errorf("%w: %s has %d channels, want 1", ErrDecode, path, d.NumChans)
	}

	return Buffer{Samples: pcm.Data, SampleRate: int(d.SampleRate)}, nil
}

// ClipWriter writes buffers as 16-bit mono PCM WAV files.
type ClipWriter struct{}

// WriteClip writes buf to path through a temp file and a rename, so a
// reprocessed clip replaces the old one whole.
func (ClipWriter) WriteClip(path string, buf Buffer) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create clip directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".clip-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp clip for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	enc := wav.NewEncoder(tmp, buf.SampleRate, bitDepth, 1, 1)
	err = enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: buf.SampleRate},
		Data:           buf.Samples,
		SourceBitDepth: bitDepth,
	})
	if err == nil {
		err = enc.Close()
	}
	if err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("encode clip %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp clip for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename clip into %s: %w", path, err)
	}
	return nil
}

// buildFFmpegArgs builds resampling args for mono 16-bit PCM WAV output.
func buildFFmpegArgs(inputPath, outPath string, sampleRate int) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", fmt.Sprint(sampleRate),
		"-c:a", "pcm_s16le",
		outPath,
	}
}
