// Package render implements the text_to_image job handler and the engine
// boundary it drives. The inference engine itself is opaque to the server:
// a blocking call that turns a request into an image, reporting progress
// through a callback and honouring context cancellation between steps.
package render

import (
	"context"
	"image"
)

// Request carries the generation parameters after defaults are applied.
type Request struct {
	Prompt        string
	Width         int
	Height        int
	Steps         int
	GuidanceScale float64
	Seed          int64
	ModelType     string
}

// ProgressFunc receives progress ticks from a running engine.
// stage is e.g. "generating" or "upscaling"; percent is 0–100.
type ProgressFunc func(stage string, percent float64)

// Engine produces an image from a request. Generate blocks for the duration
// of inference; implementations should check ctx between steps and return
// ctx.Err() when cancelled.
type Engine interface {
	Generate(ctx context.Context, req Request, progress ProgressFunc) (image.Image, error)
}

// Upscaler magnifies a generated image. Optional — the handler treats
// upscale failures as non-fatal and a nil Upscaler skips the pass entirely.
type Upscaler interface {
	Upscale(ctx context.Context, img image.Image) (image.Image, error)
}
