package silero_test

import (
	"os"
	"testing"
	"time"

	"github.com/corvoxlabs/corvox/pkg/provider/vad"
	"github.com/corvoxlabs/corvox/pkg/provider/vad/silero"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// testModelPath returns the path to a Silero ONNX model for integration
// tests. It reads from the SILERO_MODEL_PATH environment variable. If unset
// the test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("SILERO_MODEL_PATH")
	if p == "" {
		t.Skip("SILERO_MODEL_PATH not set; skipping silero integration test")
	}
	return p
}

func TestNew_EmptyPath_ReturnsError(t *testing.T) {
	_, err := silero.New("")
	if err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNew_MissingFile_ReturnsError(t *testing.T) {
	_, err := silero.New("/nonexistent/silero_vad.onnx")
	if err == nil {
		t.Fatal("expected error for missing model file, got nil")
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	modelPath := testModelPath(t)
	eng, err := silero.New(modelPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"unsupported sample rate", vad.Config{SampleRate: 44100, FrameSizeMs: 20, SpeechThreshold: 0.5}},
		{"zero frame size", vad.Config{SampleRate: 16000, SpeechThreshold: 0.5}},
		{"bad threshold", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.NewSession(tt.cfg); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestSession_SilenceFrames(t *testing.T) {
	modelPath := testModelPath(t)
	eng, err := silero.New(modelPath, silero.WithMinSilence(100*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := eng.NewSession(vad.Config{
		SampleRate:       16000,
		FrameSizeMs:      20,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	// 20ms of digital silence per frame; two frames cover one 512-sample
	// detector window.
	frame := make([]byte, 640)
	for i := 0; i < 10; i++ {
		ev, err := sess.ProcessFrame(frame)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.Type != types.VADSilence {
			t.Fatalf("frame %d: got %v, want silence", i, ev.Type)
		}
	}
}

func TestSession_WrongFrameSize(t *testing.T) {
	modelPath := testModelPath(t)
	eng, err := silero.New(modelPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := eng.NewSession(vad.Config{
		SampleRate:      16000,
		FrameSizeMs:     20,
		SpeechThreshold: 0.5,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	if _, err := sess.ProcessFrame(make([]byte, 13)); err == nil {
		t.Error("expected error for wrong frame size")
	}
}
