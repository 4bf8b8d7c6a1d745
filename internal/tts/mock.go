package tts

import (
	"context"
	"math"
	"strings"
	"time"
)

const (
	mockToneHz     = 440.0
	mockAmplitude  = 6000
	mockPerWord    = 250 * time.Millisecond
	mockMinimumDur = 250 * time.Millisecond
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that renders a sine tone whose length
// follows the word count of the request.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	dur := time.Duration(float64(len(strings.Fields(req.Text))) * float64(mockPerWord) / speed)
	if dur < mockMinimumDur {
		dur = mockMinimumDur
	}
	frames := int(dur.Seconds() * float64(m.sampleRate))
	samples := make([]int, frames*m.channels)
	for i := 0; i < frames; i++ {
		v := int(mockAmplitude * math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			samples[i*m.channels+c] = v
		}
	}
	return Audio{Samples: samples, SampleRate: m.sampleRate, Channels: m.channels}, nil
}
