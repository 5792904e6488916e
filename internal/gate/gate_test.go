package gate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/corvoxlabs/corvox/internal/gate"
	"github.com/corvoxlabs/corvox/pkg/provider/llm"
	"github.com/corvoxlabs/corvox/pkg/provider/llm/mock"
	"github.com/corvoxlabs/corvox/pkg/types"
)

func enabledConfig() gate.Config {
	return gate.Config{Enabled: true, AssistantName: "Corvox"}
}

func TestDecide_DisabledAlwaysReplies(t *testing.T) {
	t.Parallel()

	classifier := &mock.Provider{}
	g := gate.New(classifier, gate.Config{Enabled: false, AssistantName: "Corvox"}, nil)

	d := g.Decide(context.Background(), "just chatting with bob", "S1", nil)
	if !d.Reply || d.Method != gate.MethodDisabled {
		t.Fatalf("Decide = %+v, want reply via %q", d, gate.MethodDisabled)
	}
	if len(classifier.CompleteCalls) != 0 {
		t.Error("disabled gate must not call the classifier")
	}
}

func TestDecide_NameFastPath(t *testing.T) {
	t.Parallel()

	classifier := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"reply": false}`},
	}
	g := gate.New(classifier, enabledConfig(), nil)

	tests := []string{
		"Corvox, what time is it?",
		"hey corvox",
		"hey core vox can you hear me", // phonetic mishearing
	}
	for _, utterance := range tests {
		d := g.Decide(context.Background(), utterance, "S1", nil)
		if !d.Reply || d.Method != gate.MethodNameMatch {
			t.Errorf("Decide(%q) = %+v, want reply via %q", utterance, d, gate.MethodNameMatch)
		}
	}
	if len(classifier.CompleteCalls) != 0 {
		t.Error("name match must bypass the classifier")
	}
}

func TestDecide_ClassifierVerdicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"plain true", `{"reply": true}`, true},
		{"plain false", `{"reply": false}`, false},
		{"fenced", "```json\n{\"reply\": true}\n```", true},
		{"with prose", `Sure: {"reply": false}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			classifier := &mock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: tt.content},
			}
			g := gate.New(classifier, enabledConfig(), nil)

			d := g.Decide(context.Background(), "what's the weather like", "S1", nil)
			if d.Reply != tt.want || d.Method != gate.MethodClassifier {
				t.Errorf("Decide = %+v, want reply=%v via %q", d, tt.want, gate.MethodClassifier)
			}
		})
	}
}

func TestDecide_ClassifierSeesHistoryTail(t *testing.T) {
	t.Parallel()

	classifier := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"reply": true}`},
	}
	cfg := enabledConfig()
	cfg.HistoryWindow = 2
	g := gate.New(classifier, cfg, nil)

	history := []types.TranscriptEntry{
		{SpeakerID: "S1", Text: "ancient context"},
		{SpeakerID: "S1", Text: "turn it down a bit"},
		{IsAssistant: true, Text: "Done, volume is at forty percent."},
	}
	g.Decide(context.Background(), "a little more", "S1", history)

	if len(classifier.CompleteCalls) != 1 {
		t.Fatalf("classifier called %d times, want 1", len(classifier.CompleteCalls))
	}
	prompt := classifier.CompleteCalls[0].Req.Messages[0].Content
	if !contains(prompt, "turn it down a bit") || !contains(prompt, "volume is at forty percent") {
		t.Errorf("prompt missing history tail:\n%s", prompt)
	}
	if contains(prompt, "ancient context") {
		t.Errorf("prompt should not include entries beyond the window:\n%s", prompt)
	}
	if !contains(prompt, "a little more") {
		t.Errorf("prompt missing the new utterance:\n%s", prompt)
	}
}

func TestDecide_FailOpenOnError(t *testing.T) {
	t.Parallel()

	classifier := &mock.Provider{CompleteErr: errors.New("backend down")}
	g := gate.New(classifier, enabledConfig(), nil)

	d := g.Decide(context.Background(), "can you help", "S1", nil)
	if !d.Reply || d.Method != gate.MethodFailOpen {
		t.Fatalf("Decide = %+v, want reply via %q", d, gate.MethodFailOpen)
	}
}

func TestDecide_FailClosedOnError(t *testing.T) {
	t.Parallel()

	classifier := &mock.Provider{CompleteErr: errors.New("backend down")}
	cfg := enabledConfig()
	cfg.FailClosed = true
	g := gate.New(classifier, cfg, nil)

	d := g.Decide(context.Background(), "can you help", "S1", nil)
	if d.Reply || d.Method != gate.MethodFailClosed {
		t.Fatalf("Decide = %+v, want suppress via %q", d, gate.MethodFailClosed)
	}
}

func TestDecide_FailClosedStillAllowsNameMatch(t *testing.T) {
	t.Parallel()

	classifier := &mock.Provider{CompleteErr: errors.New("backend down")}
	cfg := enabledConfig()
	cfg.FailClosed = true
	g := gate.New(classifier, cfg, nil)

	d := g.Decide(context.Background(), "corvox are you there", "S1", nil)
	if !d.Reply || d.Method != gate.MethodNameMatch {
		t.Fatalf("Decide = %+v, want reply via %q even when failing closed", d, gate.MethodNameMatch)
	}
}

func TestDecide_GarbledClassifierOutputFallsBack(t *testing.T) {
	t.Parallel()

	classifier := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "maybe? hard to say"},
	}
	g := gate.New(classifier, enabledConfig(), nil)

	d := g.Decide(context.Background(), "hmm", "S1", nil)
	if !d.Reply || d.Method != gate.MethodFailOpen {
		t.Fatalf("Decide = %+v, want fail-open on unparseable verdict", d)
	}
}

func TestDecide_NilClassifierUsesFallback(t *testing.T) {
	t.Parallel()

	g := gate.New(nil, enabledConfig(), nil)
	d := g.Decide(context.Background(), "talking to myself", "S1", nil)
	if !d.Reply || d.Method != gate.MethodFailOpen {
		t.Fatalf("Decide = %+v, want fail-open without a classifier", d)
	}
}

func TestDecide_BudgetEnforced(t *testing.T) {
	t.Parallel()

	// The mock returns instantly, so verify the deadline is attached to the
	// context the classifier receives.
	classifier := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"reply": true}`},
	}
	cfg := enabledConfig()
	cfg.Budget = 150 * time.Millisecond
	g := gate.New(classifier, cfg, nil)

	g.Decide(context.Background(), "question for you", "S1", nil)
	if len(classifier.CompleteCalls) != 1 {
		t.Fatal("classifier not called")
	}
	deadline, ok := classifier.CompleteCalls[0].Ctx.Deadline()
	if !ok {
		t.Fatal("classifier context has no deadline")
	}
	if until := time.Until(deadline); until > 150*time.Millisecond {
		t.Errorf("deadline %v away, want <= 150ms", until)
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
