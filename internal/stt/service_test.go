package stt

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/protocol"
)

type recordedEvent struct {
	kind string
	text string
}

type chanListener struct {
	events chan recordedEvent
}

func newChanListener() *chanListener {
	return &chanListener{events: make(chan recordedEvent, 16)}
}

func (l *chanListener) RecognitionStarted() { l.events <- recordedEvent{kind: "started"} }

func (l *chanListener) RecognitionPartial(text string) {
	l.events <- recordedEvent{kind: "partial", text: text}
}

func (l *chanListener) RecognitionFinished(text string) {
	l.events <- recordedEvent{kind: "finished", text: text}
}

func (l *chanListener) next(t *testing.T) recordedEvent {
	t.Helper()
	select {
	case e := <-l.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recognition event")
		return recordedEvent{}
	}
}

func (l *chanListener) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-l.events:
		t.Fatalf("unexpected recognition event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

type gatedRecognizer struct {
	release chan struct{}
	text    string
}

func (g *gatedRecognizer) Transcribe(ctx context.Context, _ Utterance) (Transcript, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return Transcript{}, ctx.Err()
	}
	return Transcript{Text: g.text}, nil
}

func newTestService(t *testing.T, cfg config.STTConfig, recognizer Recognizer) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(context.Background(), cfg, nil, recognizer, logger)
	t.Cleanup(svc.Close)
	return svc
}

func TestCaptureIgnoresFramesUntilStarted(t *testing.T) {
	svc := newTestService(t, config.STTConfig{Enabled: true, SampleRate: 16000, Channels: 1}, NewMockRecognizer())
	listener := newChanListener()
	capture, err := svc.Attach("s1", listener)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	capture.HandleFrame(protocol.AudioFrame{PCM: []byte{1, 2}, Final: true})
	listener.none(t)

	capture.StartCapture()
	capture.HandleFrame(protocol.AudioFrame{PCM: []byte{1, 2}})
	capture.HandleFrame(protocol.AudioFrame{PCM: []byte{3, 4}, Final: true})

	if e := listener.next(t); e.kind != "started" {
		t.Fatalf("expected started, got %+v", e)
	}
	e := listener.next(t)
	if e.kind != "finished" || e.text != "[final transcript length=4]" {
		t.Fatalf("unexpected finish %+v", e)
	}
}

func TestCapturePublishesPartials(t *testing.T) {
	svc := newTestService(t, config.STTConfig{Enabled: true, PublishInterim: true, PartialEveryMS: 1000}, NewMockRecognizer())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return now }
	listener := newChanListener()
	capture, _ := svc.Attach("s1", listener)
	capture.StartCapture()

	capture.HandleFrame(protocol.AudioFrame{PCM: []byte{1, 2}})
	if e := listener.next(t); e.kind != "started" {
		t.Fatalf("expected started, got %+v", e)
	}
	if e := listener.next(t); e.kind != "partial" || e.text != "[partial transcript length=2]" {
		t.Fatalf("expected partial, got %+v", e)
	}
	capture.HandleFrame(protocol.AudioFrame{PCM: []byte{3, 4}, Final: true})
	if e := listener.next(t); e.kind != "finished" || e.text != "[final transcript length=4]" {
		t.Fatalf("expected finished, got %+v", e)
	}
}

func TestStopCaptureDiscardsInflightUtterance(t *testing.T) {
	recognizer := &gatedRecognizer{release: make(chan struct{}), text: "too late"}
	svc := newTestService(t, config.STTConfig{Enabled: true}, recognizer)
	listener := newChanListener()
	capture, _ := svc.Attach("s1", listener)
	capture.StartCapture()

	capture.HandleFrame(protocol.AudioFrame{PCM: []byte{1, 2}, Final: true})
	if e := listener.next(t); e.kind != "started" {
		t.Fatalf("expected started, got %+v", e)
	}
	capture.StopCapture()
	close(recognizer.release)
	listener.none(t)

	capture.HandleFrame(protocol.AudioFrame{PCM: []byte{1, 2}, Final: true})
	listener.none(t)
}

func TestNewRecognizerRejectsUnknownMode(t *testing.T) {
	if _, err := NewRecognizer(config.STTConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
