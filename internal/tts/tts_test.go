package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scripture/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestMockSynthLength(t *testing.T) {
	synth := NewMockSynth(24000, 1)
	short, err := synth.Synthesize(context.Background(), SynthRequest{Text: "Jesus wept.", Speed: 1})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	long, err := synth.Synthesize(context.Background(), SynthRequest{Text: "In the beginning God created the heaven and the earth.", Speed: 1})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if long.Duration() <= short.Duration() {
		t.Fatalf("expected longer text to render longer audio: %v vs %v", long.Duration(), short.Duration())
	}
	fast, _ := synth.Synthesize(context.Background(), SynthRequest{Text: "In the beginning God created the heaven and the earth.", Speed: 2})
	if fast.Duration() >= long.Duration() {
		t.Fatalf("expected speed 2 to shorten audio: %v vs %v", fast.Duration(), long.Duration())
	}
	if short.SampleRate != 24000 || short.Channels != 1 {
		t.Fatalf("unexpected format %+v", short)
	}
}

func TestMockSynthCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockSynth(24000, 1).Synthesize(ctx, SynthRequest{Text: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestEncodeWAV(t *testing.T) {
	samples := []int{0, 1000, -1000, 32767, -32768}
	data, err := EncodeWAV(Audio{Samples: samples, SampleRate: 24000, Channels: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE header: %q", data[:12])
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); int(got) != len(data)-8 {
		t.Fatalf("riff size %d, want %d", got, len(data)-8)
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 24000 {
		t.Fatalf("sample rate %d", got)
	}
	if got := binary.LittleEndian.Uint16(data[34:36]); got != 16 {
		t.Fatalf("bit depth %d", got)
	}
	if len(data) != 44+2*len(samples) {
		t.Fatalf("unexpected length %d", len(data))
	}
	if got := int16(binary.LittleEndian.Uint16(data[44+2*3:])); got != 32767 {
		t.Fatalf("sample 3 = %d", got)
	}
}

func TestEncodeWAVRejectsFormat(t *testing.T) {
	if _, err := EncodeWAV(Audio{Samples: []int{1}}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestModelFilesVoicesFallback(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := ModelFiles(dir, "kokoro-v1.0"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected model not found, got %v", err)
	}
	touch(t, filepath.Join(dir, "kokoro-v1.0.onnx"))
	if _, _, err := ModelFiles(dir, "kokoro-v1.0"); !errors.Is(err, ErrVoicesNotFound) {
		t.Fatalf("expected voices not found, got %v", err)
	}

	touch(t, filepath.Join(dir, "voices-kokoro-v1.0.bin"))
	_, voices, err := ModelFiles(dir, "kokoro-v1.0")
	if err != nil || filepath.Base(voices) != "voices-kokoro-v1.0.bin" {
		t.Fatalf("expected model specific voices, got %q %v", voices, err)
	}
	touch(t, filepath.Join(dir, "voices.bin"))
	_, voices, _ = ModelFiles(dir, "kokoro-v1.0")
	if filepath.Base(voices) != "voices.bin" {
		t.Fatalf("expected voices.bin to win, got %q", voices)
	}
	touch(t, filepath.Join(dir, "voices-v1.0.bin"))
	_, voices, _ = ModelFiles(dir, "kokoro-v1.0")
	if filepath.Base(voices) != "voices-v1.0.bin" {
		t.Fatalf("expected voices-v1.0.bin to win, got %q", voices)
	}
}

func TestListModels(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "custom.onnx"))
	touch(t, filepath.Join(dir, "notes.txt"))

	models, err := ListModels(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected installed plus known model, got %+v", models)
	}
	if models[0].Name != "custom" || !models[0].Installed {
		t.Fatalf("unexpected first model %+v", models[0])
	}
	if models[1].Name != "kokoro-v1.0" || models[1].Installed || models[1].URL == "" {
		t.Fatalf("unexpected known model %+v", models[1])
	}

	touch(t, filepath.Join(dir, "kokoro-v1.0.onnx"))
	models, _ = ListModels(dir)
	for _, m := range models {
		if !m.Installed {
			t.Fatalf("installed known model listed as downloadable: %+v", m)
		}
	}
}

func TestModelLoaderExecNeedsFiles(t *testing.T) {
	cfg := config.Default().TTS
	cfg.Mode = "exec"
	cfg.Command = "kokoro-say"
	cfg.ModelsDir = t.TempDir()
	loader := NewModelLoader(cfg, newLogger())
	if _, err := loader.Load(context.Background(), "kokoro-v1.0"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected model not found, got %v", err)
	}
	touch(t, filepath.Join(cfg.ModelsDir, "kokoro-v1.0.onnx"))
	touch(t, filepath.Join(cfg.ModelsDir, "voices-v1.0.bin"))
	if _, err := loader.Load(context.Background(), "kokoro-v1.0"); err != nil {
		t.Fatalf("load: %v", err)
	}
}

type stubLoader struct {
	err error
}

func (s stubLoader) Load(context.Context, string) (Synthesizer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return NewMockSynth(8000, 1), nil
}

func TestEngineKeepsPreviousOnFailure(t *testing.T) {
	loader := &stubLoader{}
	engine := NewEngine(loader, 0, newLogger())
	if engine.Loaded() {
		t.Fatal("new engine must be empty")
	}
	if _, err := engine.Synthesize(context.Background(), SynthRequest{Text: "x"}); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("expected ErrNoEngine, got %v", err)
	}
	if err := engine.Load(context.Background(), "a"); err != nil {
		t.Fatalf("load: %v", err)
	}

	loader.err = ErrModelNotFound
	if err := engine.Load(context.Background(), "b"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected load failure, got %v", err)
	}
	_, model, ok := engine.Current()
	if !ok || model != "a" {
		t.Fatalf("expected model a to stay active, got %q %v", model, ok)
	}
	audio, err := engine.Synthesize(context.Background(), SynthRequest{Text: "still here"})
	if err != nil || audio.SampleRate != 8000 {
		t.Fatalf("synthesize: %+v %v", audio, err)
	}
}

func TestExecSynth(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// two lines: samples 1,2 then 3 with final set
	script := `sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AQACAA==\"}"; echo "{\"pcm_base64\":\"AwA=\",\"sample_rate\":22050,\"final\":true}"'`
	synth, err := NewExecSynth(script, "", "", 24000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	audio, err := synth.Synthesize(ctx, SynthRequest{Text: "hello", Voice: "af_sky", Speed: 1})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio.Samples) != 3 || audio.Samples[0] != 1 || audio.Samples[2] != 3 {
		t.Fatalf("unexpected samples %v", audio.Samples)
	}
	if audio.SampleRate != 22050 {
		t.Fatalf("expected sample rate from response, got %d", audio.SampleRate)
	}
}

func TestExecSynthReportsError(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"error\":\"unknown voice\"}"'`, "", "", 24000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := synth.Synthesize(context.Background(), SynthRequest{Text: "x"}); err == nil {
		t.Fatal("expected error from command")
	}
}

func TestExecSynthDecodeErrorDoesNotHang(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// bad first line, then far more output than a pipe buffer holds
	script := `sh -c 'cat >/dev/null; echo notjson; head -c 2000000 /dev/zero | tr "\000" a; echo'`
	synth, err := NewExecSynth(script, "", "", 24000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "x"})
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected decode error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("synthesis blocked after a decode error")
	}

	// the synthesizer must stay usable afterwards
	go func() {
		_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "y"})
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("synthesizer still locked by the failed call")
	}
}

type slowSynth struct{}

func (slowSynth) Synthesize(ctx context.Context, _ SynthRequest) (Audio, error) {
	<-ctx.Done()
	return Audio{}, ctx.Err()
}

type slowLoader struct{}

func (slowLoader) Load(context.Context, string) (Synthesizer, error) { return slowSynth{}, nil }

func TestEngineAppliesTimeout(t *testing.T) {
	engine := NewEngine(slowLoader{}, 50*time.Millisecond, newLogger())
	if err := engine.Load(context.Background(), "slow"); err != nil {
		t.Fatalf("load: %v", err)
	}
	start := time.Now()
	_, err := engine.Synthesize(context.Background(), SynthRequest{Text: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not applied, took %s", elapsed)
	}
}

func TestNewExecSynthEmpty(t *testing.T) {
	if _, err := NewExecSynth("  ", "", "", 24000, 1); err == nil {
		t.Fatal("expected error for empty command")
	}
}
