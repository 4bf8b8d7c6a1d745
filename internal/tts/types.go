package tts

import (
	"context"
	"time"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
	Speed float64
}

// Audio is mono or interleaved 16-bit PCM.
type Audio struct {
	Samples    []int
	SampleRate int
	Channels   int
}

// Duration is the playback length of the audio.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	frames := len(a.Samples) / a.Channels
	return time.Duration(frames) * time.Second / time.Duration(a.SampleRate)
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}

// Loader builds a synthesizer for a named voice model.
type Loader interface {
	Load(ctx context.Context, model string) (Synthesizer, error)
}
