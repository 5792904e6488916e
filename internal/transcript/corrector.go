package transcript

import (
	"context"
	"strings"

	"github.com/corvoxlabs/corvox/internal/transcript/phonetic"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// PipelineOption is a functional option for configuring a [CorrectionPipeline].
type PipelineOption func(*CorrectionPipeline)

// WithPhoneticMatcher attaches a [PhoneticMatcher]. When nil (the default),
// Correct passes transcripts through unchanged.
func WithPhoneticMatcher(m PhoneticMatcher) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.phonetic = m
	}
}

// CorrectionPipeline is the phonetic implementation of [Pipeline]. It slides
// n-gram windows over the transcript tokens and replaces windows that
// phonetically align with a lexicon term.
//
// CorrectionPipeline is safe for concurrent use.
type CorrectionPipeline struct {
	phonetic PhoneticMatcher
}

var _ Pipeline = (*CorrectionPipeline)(nil)

// NewPipeline constructs a [CorrectionPipeline] with the supplied options.
func NewPipeline(opts ...PipelineOption) *CorrectionPipeline {
	p := &CorrectionPipeline{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Correct applies phonetic correction to transcript and returns a
// [CorrectedTranscript].
//
// The transcript text is tokenised into whitespace-separated words. At each
// position, n-gram windows (longest first, up to the widest entity) are
// tested against the entity list; the longest matching window wins so that
// multi-word terms take precedence over partial single-word matches.
func (p *CorrectionPipeline) Correct(
	ctx context.Context,
	t types.Transcript,
	entities []string,
) (*CorrectedTranscript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &CorrectedTranscript{
		Original:    t,
		Corrected:   t.Text,
		Corrections: []Correction{},
	}
	if p.phonetic == nil || len(entities) == 0 {
		return result, nil
	}

	corrected, corrections := p.applyPhonetic(t.Text, entities)
	result.Corrected = corrected
	result.Corrections = append(result.Corrections, corrections...)
	return result, nil
}

// applyPhonetic runs the matcher over the transcript text and returns the
// corrected text plus the list of corrections applied.
func (p *CorrectionPipeline) applyPhonetic(text string, entities []string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	// When the matcher supports precomputation, prepare phonetic codes for
	// the entity list once and reuse them for every window comparison.
	var matchFn func(string) (string, float64, bool)
	var maxEntityWords int

	if pm, ok := p.phonetic.(*phonetic.Matcher); ok {
		es := phonetic.PrepareEntities(entities)
		maxEntityWords = es.MaxWords()
		matchFn = func(word string) (string, float64, bool) {
			return pm.MatchPrepared(word, es)
		}
	} else {
		maxEntityWords = maxWordCount(entities)
		matchFn = func(word string) (string, float64, bool) {
			return p.phonetic.Match(word, entities)
		}
	}

	if maxEntityWords == 0 {
		return text, nil
	}

	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := maxEntityWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			entity, conf, ok := matchFn(window)
			if !ok {
				continue
			}

			output = append(output, strings.Fields(entity)...)
			corrections = append(corrections, Correction{
				Original:   window,
				Corrected:  entity,
				Confidence: conf,
				Method:     "phonetic",
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any entity string. Returns 1 when entities is empty.
func maxWordCount(entities []string) int {
	max := 1
	for _, e := range entities {
		if n := len(strings.Fields(e)); n > max {
			max = n
		}
	}
	return max
}
