package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ImageHandler serves rendered artifacts by filename from the output
// directory.
type ImageHandler struct {
	outputDir string
	logger    *zap.Logger
}

// NewImageHandler creates a new ImageHandler.
func NewImageHandler(outputDir string, logger *zap.Logger) *ImageHandler {
	return &ImageHandler{
		outputDir: outputDir,
		logger:    logger.Named("image_handler"),
	}
}

// Get handles GET /api/v1/image/{filename}. Filenames are flat — anything
// that does not survive a Base round-trip is rejected so the handler can
// never read outside the output directory.
func (h *ImageHandler) Get(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	if filename == "" || filename != filepath.Base(filename) {
		ErrBadRequest(w, "invalid filename")
		return
	}

	path := filepath.Join(h.outputDir, filename)
	if _, err := os.Stat(path); err != nil {
		ErrNotFound(w)
		return
	}

	http.ServeFile(w, r, path)
}
