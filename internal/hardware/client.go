// Package hardware adapts the conversation pipeline to the robot hardware
// daemon: a gRPC client over hand-encoded proto messages, the LLM tool
// surface built on it, the expression vocabulary with its rate limiter, and
// the eye-state observer that mirrors conversation state on the robot's
// face.
//
// The daemon owns the servos, eyes, and camera; this package owns when and
// how they are asked to move. One client is shared across sessions; mutating
// calls are serialized so two sessions can never fight over the same servos.
package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// RPC method paths on the hardware daemon.
const (
	serviceName = "corvox.hardware.v1.HardwareService"

	methodHealth          = "/" + serviceName + "/Health"
	methodExecuteMovement = "/" + serviceName + "/ExecuteMovement"
	methodSetEmotion      = "/" + serviceName + "/SetEmotion"
	methodSetEyeState     = "/" + serviceName + "/SetEyeState"
	methodCaptureCamera   = "/" + serviceName + "/CaptureCameraView"
	methodGetStatus       = "/" + serviceName + "/GetStatus"
)

// Deadlines per call class. Commands must feel immediate; a camera frame is
// allowed one second.
const (
	DefaultCommandTimeout = 300 * time.Millisecond
	DefaultCaptureTimeout = 1 * time.Second
)

// Default capture geometry, matching what the vision providers are tuned for.
const (
	captureWidth   = 640
	captureHeight  = 480
	captureQuality = 80
)

// Status is the robot's current hardware state.
type Status struct {
	Connected      bool   `json:"connected"`
	BatteryPercent int    `json:"battery_percent"`
	Emotion        string `json:"emotion"`
	EyeState       string `json:"eye_state"`
	Moving         bool   `json:"moving"`
}

// Capture is one camera frame.
type Capture struct {
	JPEG   []byte
	Width  int
	Height int
}

// Client is the shared gRPC client for the hardware daemon. Safe for
// concurrent use; mutating calls (movement, emotion, eye state) serialize on
// an internal mutex because the daemon drives a single physical device.
type Client struct {
	conn   grpc.ClientConnInterface
	closer interface{ Close() error }
	log    *slog.Logger

	// mu serializes mutating RPCs per device.
	mu sync.Mutex
}

// Dial connects to the hardware daemon at target (host:port). The connection
// is lazy; pair with [Client.Health] at startup to verify the daemon is
// reachable.
func Dial(target string, log *slog.Logger) (*Client, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("hardware: dial %q: %w", target, err)
	}
	c := NewClient(conn, log)
	c.closer = conn
	return c, nil
}

// NewClient wraps an existing connection. Used by Dial and by tests that
// inject a fake conn.
func NewClient(conn grpc.ClientConnInterface, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{conn: conn, log: log.With("component", "hardware")}
}

// Close tears down the underlying connection, if this client owns one.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Health verifies the daemon is reachable and serving.
func (c *Client) Health(ctx context.Context) error {
	var resp healthResponse
	if err := c.invoke(ctx, methodHealth, healthRequest{}, &resp, DefaultCommandTimeout); err != nil {
		return fmt.Errorf("hardware health: %w", err)
	}
	if resp.Status != "" && resp.Status != "serving" {
		return fmt.Errorf("hardware health: daemon reports %q", resp.Status)
	}
	return nil
}

// ExecuteMovement runs the named movements in sequence and returns the
// daemon's acknowledgement detail.
func (c *Client) ExecuteMovement(ctx context.Context, movements []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp commandResponse
	err := c.invoke(ctx, methodExecuteMovement, movementRequest{Movements: movements}, &resp, DefaultCommandTimeout)
	if err != nil {
		return "", fmt.Errorf("hardware movement %v: %w", movements, err)
	}
	if !resp.OK {
		return "", fmt.Errorf("hardware movement %v rejected: %s", movements, resp.Detail)
	}
	c.log.Debug("movement executed", "movements", movements, "detail", resp.Detail)
	return resp.Detail, nil
}

// SetEmotion sets the eye emotion state.
func (c *Client) SetEmotion(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp commandResponse
	err := c.invoke(ctx, methodSetEmotion, emotionRequest{Name: name}, &resp, DefaultCommandTimeout)
	if err != nil {
		return "", fmt.Errorf("hardware emotion %q: %w", name, err)
	}
	if !resp.OK {
		return "", fmt.Errorf("hardware emotion %q rejected: %s", name, resp.Detail)
	}
	return resp.Detail, nil
}

// SetEyeState sets the conversational eye state (listening, thinking,
// speaking, idle).
func (c *Client) SetEyeState(ctx context.Context, state string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp commandResponse
	err := c.invoke(ctx, methodSetEyeState, eyeStateRequest{State: state}, &resp, DefaultCommandTimeout)
	if err != nil {
		return fmt.Errorf("hardware eye state %q: %w", state, err)
	}
	if !resp.OK {
		return fmt.Errorf("hardware eye state %q rejected: %s", state, resp.Detail)
	}
	return nil
}

// CaptureCameraView grabs one JPEG frame from the robot's camera. Read-only;
// does not serialize with movement commands.
func (c *Client) CaptureCameraView(ctx context.Context) (*Capture, error) {
	var resp captureResponse
	req := captureRequest{Width: captureWidth, Height: captureHeight, Quality: captureQuality}
	if err := c.invoke(ctx, methodCaptureCamera, req, &resp, DefaultCaptureTimeout); err != nil {
		return nil, fmt.Errorf("hardware capture: %w", err)
	}
	if len(resp.JPEG) == 0 {
		return nil, fmt.Errorf("hardware capture: daemon returned no frame")
	}
	return &Capture{JPEG: resp.JPEG, Width: int(resp.Width), Height: int(resp.Height)}, nil
}

// Status returns the robot's current hardware state. Read-only.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var resp statusResponse
	if err := c.invoke(ctx, methodGetStatus, statusRequest{}, &resp, DefaultCommandTimeout); err != nil {
		return nil, fmt.Errorf("hardware status: %w", err)
	}
	return &Status{
		Connected:      resp.Connected,
		BatteryPercent: int(resp.BatteryPercent),
		Emotion:        resp.Emotion,
		EyeState:       resp.EyeState,
		Moving:         resp.Moving,
	}, nil
}

// invoke runs one RPC under the class deadline. An earlier deadline on ctx
// wins.
func (c *Client) invoke(ctx context.Context, method string, req marshaler, resp unmarshaler, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.conn.Invoke(ctx, method, req, resp)
}
