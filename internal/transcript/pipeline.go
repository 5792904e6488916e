// Package transcript corrects STT output toward the persona's lexicon.
//
// Raw speech-to-text output routinely mangles proper nouns: the assistant's
// own name, product names, and the gesture vocabulary users invoke are
// frequently misheard ("core vox" for "Corvox"). The [Pipeline] aligns
// whitespace-delimited token windows against the known lexicon using phonetic
// similarity — no network calls, no model round-trips — so it fits inside the
// latency budget between a final transcript and the reply gate.
//
// Each [Correction] records the substitution and its confidence, so callers
// can audit changes or surface them on the data channel.
//
// Implementations of both interfaces must be safe for concurrent use.
package transcript

import (
	"context"

	"github.com/corvoxlabs/corvox/pkg/types"
)

// Correction captures a single word-level substitution made by the pipeline.
type Correction struct {
	// Original is the token window as produced by the STT provider.
	Original string

	// Corrected is the lexicon term selected as the replacement.
	Corrected string

	// Confidence is the pipeline's confidence in this substitution (0.0–1.0).
	Confidence float64

	// Method describes which matching strategy produced the substitution.
	// Currently always "phonetic".
	Method string
}

// CorrectedTranscript is the output of a [Pipeline.Correct] call.
// It pairs the original [types.Transcript] with the corrected text and an
// itemised record of every substitution applied.
type CorrectedTranscript struct {
	// Original is the raw [types.Transcript] as received from the STT provider.
	Original types.Transcript

	// Corrected is the transcript text with all substitutions applied.
	Corrected string

	// Corrections is the ordered list of substitutions applied to produce
	// Corrected. An empty (non-nil) slice means nothing needed fixing.
	Corrections []Correction
}

// Pipeline resolves STT mishearings of known lexicon terms.
//
// Implementations must be safe for concurrent use.
type Pipeline interface {
	// Correct processes transcript against the entity list — the persona's
	// name plus its lexicon — and returns a [CorrectedTranscript].
	//
	// When no corrections are needed, Corrected equals transcript.Text and
	// Corrections is an empty (non-nil) slice.
	Correct(ctx context.Context, transcript types.Transcript, entities []string) (*CorrectedTranscript, error)
}

// PhoneticMatcher resolves a token window to a known lexicon term based on
// pronunciation similarity. It must be fast enough for real-time use: no
// network calls, no model round-trips.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// Match attempts to find the entity from entities that is most
	// phonetically similar to word.
	//
	// Return values:
	//   corrected  — the best-matching entity from entities.
	//   confidence — similarity score in [0.0, 1.0].
	//   matched    — true when a sufficiently similar entity was found.
	//
	// When matched is false, corrected must equal word unchanged and
	// confidence must be 0.
	Match(word string, entities []string) (corrected string, confidence float64, matched bool)
}
