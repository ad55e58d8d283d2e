package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"

	"speakers/audio"
	"speakers/config"
	"speakers/fasterwhisper"
	"speakers/pyannote"
	"speakers/speakers"
	"speakers/transcript"
)

type env struct {
	cfg   config.Config
	log   logr.Logger
	store speakers.Store
}

// setup loads config, builds the logger and opens the store.
func setup(ctx context.Context, configPath string, worker bool) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if worker {
		if err = cfg.ValidateWorker(); err != nil {
			return nil, err
		}
	}

	log := newLogger(cfg.Log)
	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, store: store}, nil
}

func (e *env) close() {
	if err := e.store.Close(context.Background()); err != nil {
		e.log.Error(err, "closing store")
	}
}

func (e *env) service() *speakers.Service {
	return speakers.NewService(e.store, e.cfg.Storage.Path, e.log.WithName("service"))
}

func runWork(args []string) error {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	once := fs.Bool("once", false, "drain the queue once and exit")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	e, err := setup(ctx, *configPath, true)
	if err != nil {
		return err
	}
	defer e.close()

	// Engines are built once and shared by every job.
	diarizer, err := pyannote.New(pyannote.Config{
		Command: e.cfg.Diarization.Command,
		Python:  e.cfg.Diarization.Python,
		Model:   e.cfg.Diarization.Model,
		HFToken: e.cfg.Diarization.HFToken,
	})
	if err != nil {
		return err
	}
	defer diarizer.Close()

	transcriber, err := fasterwhisper.New(fasterwhisper.Config{
		Command:     e.cfg.Transcription.Command,
		Python:      e.cfg.Transcription.Python,
		Model:       e.cfg.Transcription.Model,
		Device:      e.cfg.Transcription.Device,
		ComputeType: e.cfg.Transcription.ComputeType,
		Threads:     e.cfg.Transcription.Threads,
	})
	if err != nil {
		return err
	}
	defer transcriber.Close()

	log := e.log.WithName("worker")
	repo := speakers.NewSegmentRepo(e.store, log)
	proc := speakers.NewProcessor(
		e.store,
		diarizer,
		repo,
		speakers.NewExtractor(
			audio.NewLoader(e.cfg.Audio.FFmpeg),
			audio.ClipWriter{},
			repo,
			speakers.SegmentsDir(e.cfg.Storage.Path),
			log,
		),
		speakers.NewTranscriptionStage(transcriber, repo, log),
		speakers.ProcessorConfig{
			Defaults: speakers.Defaults{
				Language:    e.cfg.Transcription.Language,
				MinSpeakers: e.cfg.Diarization.MinSpeakers,
				MaxSpeakers: e.cfg.Diarization.MaxSpeakers,
			},
			Decoding: speakers.TranscribeOptions{
				BeamSize:  e.cfg.Transcription.BeamSize,
				BestOf:    e.cfg.Transcription.BestOf,
				VADFilter: e.cfg.Transcription.VADFilter,
			},
		},
		log,
	)
	w := speakers.NewWorker(e.store, proc, e.cfg.Worker.PollInterval, log)

	if !*once {
		return w.Run(ctx)
	}
	for ctx.Err() == nil {
		claimed, err := w.RunOnce(ctx)
		if err != nil {
			log.Error(err, "processing queue")
		}
		if !claimed {
			return nil
		}
	}
	return nil
}

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	file := fs.String("file", "", "recording to ingest; its name must contain YYYY-MM-DD_HH-MM-SS")
	language := fs.String("language", "", "language override, empty for auto-detect")
	minSpeakers := fs.Int("min-speakers", 0, "minimum number of speakers hint")
	maxSpeakers := fs.Int("max-speakers", 0, "maximum number of speakers hint")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := strings.TrimSpace(*file)
	if path == "" && fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if path == "" {
		fs.Usage()
		return errors.New("--file is required")
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer e.close()

	rec, job, err := e.service().Submit(ctx, speakers.SubmitRequest{
		Path:        path,
		Language:    *language,
		MinSpeakers: *minSpeakers,
		MaxSpeakers: *maxSpeakers,
	})
	if err != nil {
		return err
	}

	if *jsonOut {
		return printJSON(speakers.JobReport{Job: job, Recording: rec})
	}
	fmt.Printf("recording_id: %s\n", rec.ID)
	fmt.Printf("job_id: %s\n", job.ID)
	fmt.Printf("start_time: %s\n", rec.StartTime.Format("2006-01-02 15:04:05"))
	return nil
}

func runReprocess(args []string) error {
	fs := flag.NewFlagSet("reprocess", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	recordingID := fs.String("recording", "", "recording id")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*recordingID) == "" {
		fs.Usage()
		return errors.New("--recording is required")
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer e.close()

	job, err := e.service().Reprocess(ctx, *recordingID)
	if err != nil {
		return err
	}
	fmt.Printf("job_id: %s\n", job.ID)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	jobID := fs.String("job", "", "job id")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*jobID) == "" {
		fs.Usage()
		return errors.New("--job is required")
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer e.close()

	report, err := e.service().JobStatus(ctx, *jobID)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runTranscript(args []string) error {
	fs := flag.NewFlagSet("transcript", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	recordingID := fs.String("recording", "", "recording id")
	jsonOut := fs.Bool("json", false, "print JSON output instead of markdown")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*recordingID) == "" {
		fs.Usage()
		return errors.New("--recording is required")
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer e.close()

	report, err := e.service().Transcript(ctx, *recordingID)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(report)
	}
	fmt.Print(transcript.RenderMarkdown(report.Recording, report.Segments))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
