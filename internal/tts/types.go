package tts

import (
	"context"
	"time"
)

// Line is one piece of character dialogue to voice.
type Line struct {
	ID    string
	Text  string
	Voice string
}

// Audio is little-endian 16-bit PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration is the playback length of the audio.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	frames := len(a.PCM) / 2 / a.Channels
	return time.Duration(frames) * time.Second / time.Duration(a.SampleRate)
}

// Synthesizer voices a line in full.
type Synthesizer interface {
	Synthesize(ctx context.Context, line Line) (Audio, error)
}
