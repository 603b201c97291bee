package stt

import (
	"context"
	"fmt"
)

// Utterance is the audio buffered for one recognition pass. PCM is signed
// 16-bit little endian.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Channels   int
	// Final marks the pass that closes the utterance; earlier passes are
	// interim.
	Final bool
}

// Transcript is the text a recognizer heard.
type Transcript struct {
	Text       string
	Confidence float64
}

// Recognizer turns buffered microphone audio into text.
type Recognizer interface {
	Transcribe(ctx context.Context, u Utterance) (Transcript, error)
}

type mockRecognizer struct{}

// NewMockRecognizer describes the audio it receives instead of transcribing.
func NewMockRecognizer() Recognizer {
	return mockRecognizer{}
}

func (mockRecognizer) Transcribe(ctx context.Context, u Utterance) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	mode := "partial"
	if u.Final {
		mode = "final"
	}
	return Transcript{Text: fmt.Sprintf("[%s transcript length=%d]", mode, len(u.PCM))}, nil
}
