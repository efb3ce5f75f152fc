package render

import (
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"time"
)

// StubEngine is a model-free Engine used when the server runs without GPU
// inference wired in (development, protocol testing, CI). It renders a
// deterministic flat-colour image derived from the prompt and seed, ticking
// progress once per simulated step.
type StubEngine struct {
	// StepDelay is how long each simulated inference step takes.
	StepDelay time.Duration
}

// NewStubEngine returns a StubEngine with the given per-step delay.
func NewStubEngine(stepDelay time.Duration) *StubEngine {
	return &StubEngine{StepDelay: stepDelay}
}

// Generate renders the image, honouring cancellation between steps.
func (e *StubEngine) Generate(ctx context.Context, req Request, progress ProgressFunc) (image.Image, error) {
	if req.Steps <= 0 {
		return nil, fmt.Errorf("stub engine: steps must be positive, got %d", req.Steps)
	}

	for step := 1; step <= req.Steps; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.StepDelay):
		}
		if progress != nil {
			progress("generating", float64(step)/float64(req.Steps)*100)
		}
	}

	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d", req.Prompt, req.Seed))
	fill := color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, req.Width, req.Height))
	for y := 0; y < req.Height; y++ {
		for x := 0; x < req.Width; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	return img, nil
}
