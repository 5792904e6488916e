// Package gate decides whether a committed user turn deserves a spoken reply.
//
// In an open room the microphone hears everything: side conversations,
// self-talk, people addressing each other. Replying to all of it makes the
// assistant insufferable, so every final turn passes through the gate before
// the reply pipeline runs.
//
// The gate is two-tier. A phonetic fast path checks whether the assistant was
// addressed by name — a name match always replies, with zero added latency.
// Everything else goes to a small classifier model under a hard deadline;
// when the classifier errors or the deadline expires, the gate fails open
// (reply anyway) unless configured to fail closed.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corvoxlabs/corvox/internal/transcript/phonetic"
	"github.com/corvoxlabs/corvox/pkg/provider/llm"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// DefaultBudget is the classifier deadline when none is configured. The gate
// sits between the final transcript and the first LLM token, so its budget is
// deliberately tight.
const DefaultBudget = 400 * time.Millisecond

// DefaultHistoryWindow is how many recent transcript entries accompany the
// utterance to the classifier.
const DefaultHistoryWindow = 6

// Decision methods, recorded for observability and the data channel.
const (
	MethodDisabled   = "disabled"
	MethodNameMatch  = "name_match"
	MethodClassifier = "classifier"
	MethodFailOpen   = "fail_open"
	MethodFailClosed = "fail_closed"
)

// Decision is the gate's verdict for one turn.
type Decision struct {
	// Reply is true when the turn should get a spoken response.
	Reply bool

	// Method names the tier that produced the verdict.
	Method string

	// Elapsed is how long the decision took. Zero for fast-path verdicts.
	Elapsed time.Duration
}

// Config tunes a [Gate].
type Config struct {
	// Enabled turns the gate off entirely; a disabled gate replies to every
	// turn.
	Enabled bool

	// AssistantName is the name the fast path listens for.
	AssistantName string

	// Budget is the classifier deadline. Zero means [DefaultBudget].
	Budget time.Duration

	// FailClosed suppresses the turn when the classifier errors or times
	// out. Default is fail open.
	FailClosed bool

	// HistoryWindow is how many trailing transcript entries the classifier
	// sees. Zero means [DefaultHistoryWindow].
	HistoryWindow int
}

// Gate decides per-turn whether to reply. Safe for concurrent use.
type Gate struct {
	classifier llm.Provider
	cfg        Config
	names      *phonetic.EntitySet
	matcher    *phonetic.Matcher
	log        *slog.Logger
}

// New builds a gate over the given classifier. classifier may be nil, in
// which case only the fast path runs and everything else follows the
// fail-open/fail-closed policy.
func New(classifier llm.Provider, cfg Config, log *slog.Logger) *Gate {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		classifier: classifier,
		cfg:        cfg,
		names:      phonetic.PrepareEntities(nameVariants(cfg.AssistantName)),
		matcher:    phonetic.New(),
		log:        log.With("component", "gate"),
	}
}

// Decide returns the verdict for utterance. history is the recent session
// transcript, oldest first; the gate only reads its tail.
//
// Decide never returns an error: classifier failures resolve through the
// fail-open/fail-closed policy so the pipeline always gets a usable verdict.
func (g *Gate) Decide(ctx context.Context, utterance, speakerID string, history []types.TranscriptEntry) Decision {
	if !g.cfg.Enabled {
		return Decision{Reply: true, Method: MethodDisabled}
	}

	if g.addressedByName(utterance) {
		return Decision{Reply: true, Method: MethodNameMatch}
	}

	if g.classifier == nil {
		return g.fallback(0)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Budget)
	defer cancel()

	reply, err := g.classify(ctx, utterance, speakerID, history)
	elapsed := time.Since(start)
	if err != nil {
		g.log.Warn("classifier failed, applying fallback policy",
			"error", err, "elapsed", elapsed, "fail_closed", g.cfg.FailClosed)
		return g.fallback(elapsed)
	}
	return Decision{Reply: reply, Method: MethodClassifier, Elapsed: elapsed}
}

func (g *Gate) fallback(elapsed time.Duration) Decision {
	if g.cfg.FailClosed {
		return Decision{Reply: false, Method: MethodFailClosed, Elapsed: elapsed}
	}
	return Decision{Reply: true, Method: MethodFailOpen, Elapsed: elapsed}
}

// addressedByName scans the utterance for the assistant's name using n-gram
// phonetic matching, so "hey core vox" still counts as addressing "Corvox".
func (g *Gate) addressedByName(utterance string) bool {
	maxN := g.names.MaxWords()
	if maxN == 0 {
		return false
	}
	tokens := strings.Fields(strings.ToLower(utterance))
	for i := range tokens {
		n := maxN
		if i+n > len(tokens) {
			n = len(tokens) - i
		}
		for ; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			if _, _, ok := g.matcher.MatchPrepared(window, g.names); ok {
				return true
			}
		}
	}
	return false
}

// nameVariants returns the lookup terms for the fast path: the full name plus
// each word of length >= 3, so "Corvox Mark Two" also answers to "corvox".
func nameVariants(name string) []string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	variants := []string{name}
	for _, w := range strings.Fields(name) {
		if len(w) >= 3 && !strings.EqualFold(w, name) {
			variants = append(variants, w)
		}
	}
	return variants
}

// verdict is the JSON shape the classifier must answer with.
type verdict struct {
	Reply bool `json:"reply"`
}

const classifierSystemPrompt = `You decide whether a voice assistant should respond to an utterance heard in an open room. You will see the recent conversation and the new utterance with its speaker label.

Respond with ONLY a JSON object: {"reply": true} or {"reply": false}.

Reply true when the utterance is directed at the assistant: a question or request to it, or a direct continuation of an exchange the assistant is part of.
Reply false when people are talking to each other, thinking aloud, or the utterance is background chatter. When in doubt, prefer false — an unwanted interruption is worse than a missed one.`

func (g *Gate) classify(ctx context.Context, utterance, speakerID string, history []types.TranscriptEntry) (bool, error) {
	var sb strings.Builder
	tail := history
	if len(tail) > g.cfg.HistoryWindow {
		tail = tail[len(tail)-g.cfg.HistoryWindow:]
	}
	if len(tail) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, e := range tail {
			sb.WriteString(speakerLabel(e.SpeakerID, e.IsAssistant, g.cfg.AssistantName))
			sb.WriteString(": ")
			sb.WriteString(e.Text)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("New utterance from ")
	sb.WriteString(speakerLabel(speakerID, false, g.cfg.AssistantName))
	sb.WriteString(": ")
	sb.WriteString(utterance)

	resp, err := g.classifier.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classifierSystemPrompt,
		Messages:     []types.Message{{Role: "user", Content: sb.String()}},
		Temperature:  0,
		MaxTokens:    16,
	})
	if err != nil {
		return false, fmt.Errorf("gate classifier: %w", err)
	}
	if resp == nil {
		return false, fmt.Errorf("gate classifier: empty response")
	}

	var v verdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &v); err != nil {
		return false, fmt.Errorf("gate classifier: parse %q: %w", resp.Content, err)
	}
	return v.Reply, nil
}

func speakerLabel(speakerID string, isAssistant bool, assistantName string) string {
	if isAssistant {
		if assistantName != "" {
			return assistantName + " (assistant)"
		}
		return "assistant"
	}
	if speakerID == "" {
		return "speaker"
	}
	return "speaker " + speakerID
}

// extractJSON strips markdown code fences and surrounding prose, returning
// the first top-level JSON object in s. Small models fence their output more
// often than not.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
