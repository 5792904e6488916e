package app

import (
	"testing"
	"time"

	"github.com/corvoxlabs/corvox/internal/config"
)

func TestPipelineConfigThreadsServerConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		STT: config.STTConfig{
			Language:        "de",
			Diarize:         true,
			InterimBudgetMs: 1200,
		},
		LLM: config.LLMConfig{
			ContextTokens: 4096,
		},
		Memory: config.MemoryConfig{
			K:              5,
			RecallBudgetMs: 80,
			StoreAssistant: true,
		},
	}
	sm := NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: &Providers{},
	})

	pc := sm.pipelineConfig()
	if !pc.Diarize {
		t.Error("stt.diarize not threaded into the session graph")
	}
	if pc.ContextTokens != 4096 {
		t.Errorf("ContextTokens = %d, want 4096", pc.ContextTokens)
	}
	if pc.Language != "de" {
		t.Errorf("Language = %q", pc.Language)
	}
	if pc.InterimBudget != 1200*time.Millisecond {
		t.Errorf("InterimBudget = %v", pc.InterimBudget)
	}
	if pc.MemoryK != 5 || pc.RecallBudget != 80*time.Millisecond || !pc.StoreAssistant {
		t.Errorf("memory tuning = {k %d, budget %v, assistant %t}", pc.MemoryK, pc.RecallBudget, pc.StoreAssistant)
	}
}
