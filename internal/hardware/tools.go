package hardware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/corvoxlabs/corvox/pkg/provider/vision"
	"github.com/corvoxlabs/corvox/pkg/types"
)

// Tool names exposed to the LLM.
const (
	ToolSetEmotion        = "set_emotion"
	ToolExecuteMovement   = "execute_movement"
	ToolSetEyeState       = "set_eye_state"
	ToolCaptureCameraView = "capture_camera_view"
	ToolGetRobotStatus    = "get_robot_status"
)

// ErrUnknownTool is returned by [Toolset.Execute] for names outside this
// toolset; the router uses it to fall through to other tool sources.
var ErrUnknownTool = fmt.Errorf("hardware: unknown tool")

// Toolset is the robot tool surface offered to the LLM: one shared [Client],
// a per-session rate limiter, and an optional vision provider that turns
// camera frames into tool-result text.
//
// Execute never panics the session: hardware faults come back as errors for
// the router to wrap into a ToolResult.
type Toolset struct {
	client  *Client
	limiter *ExpressionRateLimiter
	vision  vision.Provider
	log     *slog.Logger
}

// NewToolset builds the tool surface. vision may be nil; capture then
// reports frame metadata instead of a description.
func NewToolset(client *Client, limiter *ExpressionRateLimiter, v vision.Provider, log *slog.Logger) *Toolset {
	if limiter == nil {
		limiter = NewExpressionRateLimiter()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Toolset{client: client, limiter: limiter, vision: v, log: log.With("component", "hardware_tools")}
}

// Definitions returns the tool schemas for the LLM context.
func (t *Toolset) Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{
		{
			Name: ToolSetEmotion,
			Description: "Convey an emotional response during conversation. " +
				"Intensity controls which hardware channels activate: " +
				"low = eyes only (default, no servo wear); " +
				"medium = eyes + subtle gesture (use for notable moments); " +
				"high = eyes + expressive gesture (use rarely, strong reactions). " +
				"Default to low. Do not express on every message. " +
				"High intensity at most once per conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"enum":        ValidEmotions,
						"description": "The emotion to express",
					},
					"intensity": map[string]any{
						"type":        "string",
						"enum":        ValidIntensities,
						"description": "Expression intensity: low (eyes only), medium (eyes + subtle gesture), high (eyes + expressive gesture)",
						"default":     IntensityLow,
					},
				},
				"required": []string{"name"},
			},
			MaxDurationMs: int(DefaultCommandTimeout.Milliseconds()),
		},
		{
			Name: ToolExecuteMovement,
			Description: "Execute DISPLACEMENT movements on the robot. " +
				"Use ONLY when the user explicitly asks the robot to change position — " +
				"walking, turning, stepping forward or backward. " +
				"Available: step_forward, walk_forward, step_backward, walk_backward, " +
				"turn_left, turn_right, turn_left_slow, turn_right_slow. " +
				"'turn around' means ['turn_left', 'turn_left']. " +
				"Do NOT use for emotional gestures — use set_emotion instead.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"movements": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Displacement movements to execute in sequence",
						"minItems":    1,
					},
				},
				"required": []string{"movements"},
			},
			MaxDurationMs: int(DefaultCommandTimeout.Milliseconds()),
		},
		{
			Name: ToolSetEyeState,
			Description: "Set the robot's eye display state directly. " +
				"Prefer set_emotion for emotional reactions; use this only for " +
				"explicit user requests about the eyes.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "The eye state to display",
					},
				},
				"required": []string{"name"},
			},
			MaxDurationMs: int(DefaultCommandTimeout.Milliseconds()),
		},
		{
			Name: ToolCaptureCameraView,
			Description: "Look through the robot's camera and describe what it " +
				"currently sees. Use when the user asks what the robot can see.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			MaxDurationMs: int(DefaultCaptureTimeout.Milliseconds()),
			Idempotent:    true,
		},
		{
			Name: ToolGetRobotStatus,
			Description: "Get the robot's current status: battery, emotion, " +
				"eye state, and whether it is moving.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			MaxDurationMs: int(DefaultCommandTimeout.Milliseconds()),
			Idempotent:    true,
		},
	}
}

// Handles reports whether name belongs to this toolset.
func (t *Toolset) Handles(name string) bool {
	switch name {
	case ToolSetEmotion, ToolExecuteMovement, ToolSetEyeState, ToolCaptureCameraView, ToolGetRobotStatus:
		return true
	}
	return false
}

// Execute dispatches one tool call and returns the result text for the LLM.
// Unknown names return [ErrUnknownTool]; everything else that goes wrong
// returns an error the router converts to a ToolResult.
func (t *Toolset) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	switch name {
	case ToolSetEmotion:
		return t.executeEmotion(ctx, args)
	case ToolExecuteMovement:
		return t.executeMovement(ctx, args)
	case ToolSetEyeState:
		return t.executeEyeState(ctx, args)
	case ToolCaptureCameraView:
		return t.executeCapture(ctx)
	case ToolGetRobotStatus:
		return t.executeStatus(ctx)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
}

func (t *Toolset) executeEmotion(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Name      string `json:"name"`
		Intensity string `json:"intensity"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("set_emotion: bad arguments: %w", err)
	}

	// Invalid inputs degrade to safe defaults rather than failing the turn.
	emotion := params.Name
	if !IsValidEmotion(emotion) {
		t.log.Warn("invalid emotion, falling back to neutral", "emotion", emotion)
		emotion = "neutral"
	}
	intensity := params.Intensity
	if intensity == "" {
		intensity = IntensityLow
	}
	if !IsValidIntensity(intensity) {
		t.log.Warn("invalid intensity, falling back to low", "intensity", intensity)
		intensity = IntensityLow
	}

	if ok, reason := t.limiter.Allow(intensity); !ok {
		t.log.Warn("expression downgraded to low", "reason", reason, "intensity", intensity)
		intensity = IntensityLow
	}

	eyes, gesture := ResolveExpression(emotion, intensity)
	detail, err := t.client.SetEmotion(ctx, eyes)
	if err != nil {
		return "", err
	}

	hadGesture := false
	if gesture != "" && intensity != IntensityLow {
		movements, ok := GestureMovements[gesture]
		if !ok {
			movements = []string{gesture}
		}
		if _, err := t.client.ExecuteMovement(ctx, movements); err != nil {
			return "", err
		}
		hadGesture = true
	}
	t.limiter.Record(intensity, hadGesture)

	if detail == "" {
		detail = fmt.Sprintf("expressed %s at %s intensity", emotion, intensity)
	}
	return detail, nil
}

func (t *Toolset) executeMovement(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Movements []string `json:"movements"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("execute_movement: bad arguments: %w", err)
	}
	if len(params.Movements) == 0 {
		return "", fmt.Errorf("execute_movement: no movements specified")
	}
	for _, m := range params.Movements {
		if _, ok := DisplacementMovements[m]; !ok {
			return "", fmt.Errorf("execute_movement: unknown movement %q", m)
		}
	}

	detail, err := t.client.ExecuteMovement(ctx, params.Movements)
	if err != nil {
		return "", err
	}
	if detail == "" {
		detail = "executed " + strings.Join(params.Movements, ", ")
	}
	return detail, nil
}

func (t *Toolset) executeEyeState(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("set_eye_state: bad arguments: %w", err)
	}
	if strings.TrimSpace(params.Name) == "" {
		return "", fmt.Errorf("set_eye_state: name is required")
	}
	if err := t.client.SetEyeState(ctx, params.Name); err != nil {
		return "", err
	}
	return "eye state set to " + params.Name, nil
}

func (t *Toolset) executeCapture(ctx context.Context) (string, error) {
	capture, err := t.client.CaptureCameraView(ctx)
	if err != nil {
		return "", err
	}
	if t.vision == nil {
		return fmt.Sprintf("captured a %dx%d frame (%d bytes); no vision model configured to describe it",
			capture.Width, capture.Height, len(capture.JPEG)), nil
	}
	description, err := t.vision.Analyse(ctx, capture.JPEG,
		"Describe what the robot's camera currently sees, briefly and concretely.")
	if err != nil {
		return "", fmt.Errorf("capture succeeded but vision analysis failed: %w", err)
	}
	return description, nil
}

func (t *Toolset) executeStatus(ctx context.Context) (string, error) {
	status, err := t.client.Status(ctx)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(status)
	if err != nil {
		return "", fmt.Errorf("get_robot_status: encode: %w", err)
	}
	return string(out), nil
}
