// Package vision defines the Provider interface for image understanding backends.
//
// A vision provider answers a free-form prompt about a single image (e.g.,
// a robot camera frame) with a text description. It backs the camera capture
// tool: the hardware adapter grabs a frame, the session asks the provider
// what is in it, and the answer flows back to the conversation as a tool
// result.
//
// Implementations must be safe for concurrent use.
package vision

import "context"

// Provider is the abstraction over any image-analysis backend.
type Provider interface {
	// Analyse answers prompt about the given image and returns the model's
	// text response. image must be a complete encoded image (JPEG or PNG);
	// raw pixel buffers are not accepted.
	//
	// Respects ctx for cancellation — camera-triggered calls run under the
	// tool deadline and must not outlive it.
	Analyse(ctx context.Context, image []byte, prompt string) (string, error)
}
