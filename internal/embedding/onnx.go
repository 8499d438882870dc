package embedding

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"
)

// ONNXConfig configures the primary sentence-embedding model.
type ONNXConfig struct {
	Model          string
	HFRepo         string
	CacheDir       string
	OrtLibraryPath string
	Dimension      int
}

// ONNXBackend runs a HuggingFace feature-extraction model (gte-small by
// default) through ONNX Runtime.
type ONNXBackend struct {
	name     string
	dim      int
	mu       sync.RWMutex
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
}

// NewONNXBackend downloads the model if needed and loads it. Any failure is
// returned so the caller can move on to the fallback.
func NewONNXBackend(ctx context.Context, cfg ONNXConfig) (*ONNXBackend, error) {
	if cfg.Model == "" {
		cfg.Model = "gte-small"
	}
	if cfg.HFRepo == "" {
		cfg.HFRepo = "thenlper/gte-small"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = Dimension
	}
	if cfg.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.CacheDir = filepath.Join(home, ".convoflow", "models")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	modelPath, err := ensureModel(cfg)
	if err != nil {
		return nil, err
	}

	sessionOpts := []options.WithOption{
		options.WithIntraOpNumThreads(runtime.NumCPU()),
	}
	if cfg.OrtLibraryPath != "" {
		sessionOpts = append(sessionOpts, options.WithOnnxLibraryPath(cfg.OrtLibraryPath))
	}
	session, err := hugot.NewORTSession(sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("create ORT session: %w", err)
	}
	pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      cfg.Model,
	})
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	b := &ONNXBackend{name: cfg.Model, dim: cfg.Dimension, session: session, pipeline: pipeline}
	sample, err := b.Embed(ctx, "dimension check")
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("check model dimension: %w", err)
	}
	if len(sample) != cfg.Dimension {
		b.Close()
		return nil, fmt.Errorf("%w: model %s produces %d, want %d", ErrDimensionMismatch, cfg.Model, len(sample), cfg.Dimension)
	}
	return b, nil
}

func ensureModel(cfg ONNXConfig) (string, error) {
	local := filepath.Join(cfg.CacheDir, cfg.Model)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	path, err := hugot.DownloadModel(cfg.HFRepo, cfg.CacheDir, hugot.NewDownloadOptions())
	if err != nil {
		return "", fmt.Errorf("download %s: %w", cfg.HFRepo, err)
	}
	return path, nil
}

func (o *ONNXBackend) Name() string   { return o.name }
func (o *ONNXBackend) Dimension() int { return o.dim }

func (o *ONNXBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vecs[0], nil
}

func (o *ONNXBackend) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.pipeline == nil {
		return nil, fmt.Errorf("pipeline not initialized")
	}
	output, err := o.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return output.Embeddings, nil
}

func (o *ONNXBackend) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil {
		o.session.Destroy()
		o.session = nil
	}
	o.pipeline = nil
	return nil
}
