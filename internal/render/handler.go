package render

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/imageforge-io/imageforge/internal/job"
)

// Parameter defaults, matching the model's tuned configuration.
const (
	defaultWidth         = 1024
	defaultHeight        = 1024
	defaultSteps         = 9
	defaultGuidanceScale = 0.0
	defaultSeed          = 42
	defaultModelType     = "uint4"
)

// statusGenerated is the intermediate status emitted once the base image is
// on disk, before the upscale pass. Subscribers can display the preview
// while upscaling runs.
const statusGenerated = "generated"

// Handler is the text_to_image job handler. It validates parameters,
// serializes access to the GPU, drives the engine, writes the output files
// and reports progress through the registry's event sink.
//
// The GPU gate is a 1-permit semaphore shared by every handler that touches
// the device. It is separate from the executor's concurrency bound: with
// max concurrency above 1, I/O-bound jobs overlap while the GPU itself
// stays serialized.
type Handler struct {
	engine    Engine
	upscaler  Upscaler // may be nil
	gpu       *semaphore.Weighted
	outputDir string
	cacheDir  string
	logger    *zap.Logger
}

// NewHandler creates the text_to_image handler. gpu must be a 1-weight
// semaphore shared across GPU-bound handlers; upscaler may be nil.
func NewHandler(engine Engine, upscaler Upscaler, gpu *semaphore.Weighted, outputDir, cacheDir string, logger *zap.Logger) *Handler {
	return &Handler{
		engine:    engine,
		upscaler:  upscaler,
		gpu:       gpu,
		outputDir: outputDir,
		cacheDir:  cacheDir,
		logger:    logger.Named("text_to_image"),
	}
}

// JobID derives the content-addressed identity from the parameter map.
func (h *Handler) JobID(params map[string]any) string {
	return job.HashParams(params)
}

// CachePolicy caches results as JSON blobs under the configured directory.
func (h *Handler) CachePolicy() job.CachePolicy {
	return job.DefaultCachePolicy(h.cacheDir)
}

// Execute generates the image. Sequence: parse parameters, acquire the GPU
// gate, run the engine, save the base PNG, emit the "generated" status,
// run the optional upscale pass (non-fatal), release the gate, return the
// file names.
func (h *Handler) Execute(ctx context.Context, params map[string]any, sink job.EventSink) (map[string]any, error) {
	req, err := parseRequest(params)
	if err != nil {
		return nil, err
	}

	jobID := h.JobID(params)

	// The gate is held for the whole generate+upscale critical section, so
	// a queued cancellation can still interrupt the wait.
	if err := h.gpu.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.gpu.Release(1)

	sink.Progress(map[string]any{"stage": "generating", "percent": 0})

	img, err := h.engine.Generate(ctx, req, func(stage string, percent float64) {
		sink.Progress(map[string]any{"stage": stage, "percent": percent})
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	base := fmt.Sprintf("%s-%s-%s",
		time.Now().Format("20060102"),
		slugify(req.Prompt, 32),
		jobID[:8],
	)
	filename := base + ".png"
	outputPath := filepath.Join(h.outputDir, filename)
	if err := h.savePNG(outputPath, img); err != nil {
		return nil, err
	}

	sink.StatusUpdate(statusGenerated, map[string]any{
		"filename":   filename,
		"local_path": outputPath,
	})

	// Upscale while still holding the gate; failure never fails the job.
	var upscaledFilename string
	if h.upscaler != nil {
		sink.Progress(map[string]any{"stage": "upscaling", "percent": 0})

		upscaled, err := h.upscaler.Upscale(ctx, img)
		switch {
		case err != nil:
			h.logger.Warn("upscaling failed",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		case upscaled != nil:
			upscaledFilename = base + "-upscaled.png"
			if err := h.savePNG(filepath.Join(h.outputDir, upscaledFilename), upscaled); err != nil {
				h.logger.Warn("saving upscaled image failed",
					zap.String("job_id", jobID),
					zap.Error(err),
				)
				upscaledFilename = ""
			}
		}
	}

	result := map[string]any{
		"filename": filename,
		"path":     outputPath,
	}
	if upscaledFilename != "" {
		result["upscaled_filename"] = upscaledFilename
	}
	return result, nil
}

func (h *Handler) savePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// parseRequest validates params and applies defaults. Numbers arrive as
// float64 from JSON decoding; integer fields tolerate both.
func parseRequest(params map[string]any) (Request, error) {
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		return Request{}, fmt.Errorf("missing 'prompt' in parameters")
	}

	req := Request{
		Prompt:        prompt,
		Width:         intParam(params, "width", defaultWidth),
		Height:        intParam(params, "height", defaultHeight),
		Steps:         intParam(params, "steps", defaultSteps),
		GuidanceScale: floatParam(params, "guidance_scale", defaultGuidanceScale),
		Seed:          int64(intParam(params, "seed", defaultSeed)),
		ModelType:     stringParam(params, "model_type", defaultModelType),
	}
	if req.Width <= 0 || req.Height <= 0 {
		return Request{}, fmt.Errorf("width and height must be positive")
	}
	if req.Steps <= 0 {
		return Request{}, fmt.Errorf("steps must be positive")
	}
	return req, nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
