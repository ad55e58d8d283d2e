package speakers

import "context"

type (
	// Diarizer splits a recording into speaker turns. Implementations are
	// long-lived handles shared by every job a worker runs.
	Diarizer interface {
		Diarize(ctx context.Context, filePath string, opts DiarizeOptions) ([]Turn, error)
	}

	// Transcriber turns one audio clip into timed text.
	Transcriber interface {
		Transcribe(ctx context.Context, filePath string, opts TranscribeOptions) ([]TranscriptionSegment, error)
	}

	// DiarizeOptions carries speaker-count hints; zero means unset.
	DiarizeOptions struct {
		MinSpeakers int
		MaxSpeakers int
	}

	// TranscribeOptions is passed through to the engine untouched. An empty
	// Language lets the engine detect it.
	TranscribeOptions struct {
		Language  string
		BeamSize  int
		BestOf    int
		VADFilter bool
	}

	// Turn is one diarization span, offsets in seconds from the recording
	// start. Confidence is zero when the engine does not report one.
	Turn struct {
		Start      float64
		End        float64
		Speaker    string
		Confidence float64
	}
)
