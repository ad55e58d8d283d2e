package speakers

import (
	"strings"

	"github.com/samber/lo"
)

type (
	// Defaults are the process-wide fallbacks used when neither the job nor
	// the recording carries an override.
	Defaults struct {
		Language    string
		MinSpeakers int
		MaxSpeakers int
	}

	// Hints are the effective per-job options after resolution. An empty
	// Language means the engine detects it; zero speaker counts are unset.
	Hints struct {
		Language    string
		MinSpeakers int
		MaxSpeakers int
	}
)

// ResolveHints picks each option from the first of job, recording and
// defaults that sets it.
func ResolveHints(job Job, rec Recording, def Defaults) Hints {
	lang, _ := lo.Coalesce(
		strings.TrimSpace(job.Language),
		strings.TrimSpace(rec.Language),
		strings.TrimSpace(def.Language),
	)
	minSpk, _ := lo.Coalesce(job.MinSpeakers, rec.MinSpeakers, def.MinSpeakers)
	maxSpk, _ := lo.Coalesce(job.MaxSpeakers, rec.MaxSpeakers, def.MaxSpeakers)

	return Hints{Language: lang, MinSpeakers: minSpk, MaxSpeakers: maxSpk}
}
