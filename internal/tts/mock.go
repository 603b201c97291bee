package tts

import (
	"context"
	"time"
	"unicode/utf8"
)

// mockCharDuration is how long the mock voice takes to say one character.
const mockCharDuration = 60 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that speaks silence for as long as a
// person would need to read the line aloud.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, line Line) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	spoken := time.Duration(utf8.RuneCountInString(line.Text)) * mockCharDuration
	frames := int(spoken * time.Duration(m.sampleRate) / time.Second)
	return Audio{
		PCM:        make([]byte, frames*m.channels*2),
		SampleRate: m.sampleRate,
		Channels:   m.channels,
	}, nil
}
