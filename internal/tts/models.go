package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-scripture/internal/config"
)

var (
	ErrModelNotFound  = errors.New("voice model not installed")
	ErrVoicesNotFound = errors.New("voices file not found")
)

const modelExt = ".onnx"

// ModelInfo describes an installed or downloadable voice model.
type ModelInfo struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
	Size      string `json:"size"`
	URL       string `json:"url,omitempty"`
}

var knownModels = map[string]string{
	"kokoro-v1.0": "https://github.com/nazdridoy/kokoro-tts/releases/download/v1.0.0/kokoro-v1.0.onnx",
}

// ListModels reports the models installed in dir followed by known models
// that are not installed yet.
func ListModels(dir string) ([]ModelInfo, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+modelExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var models []ModelInfo
	installed := make(map[string]bool)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(p), modelExt)
		installed[name] = true
		models = append(models, ModelInfo{
			Name:      name,
			Installed: true,
			Path:      p,
			Size:      fmt.Sprintf("%.1fMB", float64(info.Size())/(1024*1024)),
		})
	}
	known := make([]string, 0, len(knownModels))
	for name := range knownModels {
		known = append(known, name)
	}
	sort.Strings(known)
	for _, name := range known {
		if installed[name] {
			continue
		}
		models = append(models, ModelInfo{Name: name, URL: knownModels[name], Size: "~82MB"})
	}
	return models, nil
}

// ModelFiles locates the model and voices files for model inside dir.
func ModelFiles(dir, model string) (modelPath, voicesPath string, err error) {
	modelPath = filepath.Join(dir, model+modelExt)
	if !isFile(modelPath) {
		return "", "", fmt.Errorf("%w: %s", ErrModelNotFound, model)
	}
	candidates := []string{
		filepath.Join(dir, "voices-v1.0.bin"),
		filepath.Join(dir, "voices.bin"),
		filepath.Join(dir, "voices-"+model+".bin"),
	}
	for _, c := range candidates {
		if isFile(c) {
			return modelPath, c, nil
		}
	}
	return "", "", fmt.Errorf("%w in %s", ErrVoicesNotFound, dir)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ModelLoader builds synthesizers from the tts config section.
type ModelLoader struct {
	cfg    config.TTSConfig
	logger *slog.Logger
}

func NewModelLoader(cfg config.TTSConfig, logger *slog.Logger) *ModelLoader {
	return &ModelLoader{cfg: cfg, logger: logger.With(slog.String("component", "tts-loader"))}
}

// Load returns a synthesizer for model. Exec mode needs the model and voices
// files on disk; mock mode accepts any name.
func (l *ModelLoader) Load(ctx context.Context, model string) (Synthesizer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch l.cfg.Mode {
	case "exec":
		modelPath, voicesPath, err := ModelFiles(l.cfg.ModelsDir, model)
		if err != nil {
			return nil, err
		}
		synth, err := NewExecSynth(l.cfg.Command, modelPath, voicesPath, l.cfg.SampleRate, l.cfg.Channels)
		if err != nil {
			return nil, err
		}
		l.logger.Info("voice model loaded",
			slog.String("model", model),
			slog.String("model_path", modelPath),
			slog.String("voices_path", voicesPath))
		return synth, nil
	case "mock", "":
		l.logger.Info("mock voice model loaded", slog.String("model", model))
		return NewMockSynth(l.cfg.SampleRate, l.cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", l.cfg.Mode)
	}
}
