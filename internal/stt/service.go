package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Listener receives recognition events for one session. Calls for a single
// utterance arrive in order: started, zero or more partials, finished.
type Listener interface {
	RecognitionStarted()
	RecognitionPartial(text string)
	RecognitionFinished(text string)
}

// Service binds recognizer backends to per-session microphone streams.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
	clock      func() time.Time

	mu       sync.Mutex
	captures map[string]*Capture
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("component", "stt-service")),
		clock:      time.Now,
		captures:   make(map[string]*Capture),
	}
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func (s *Service) Enabled() bool { return s != nil && s.cfg.Enabled }

func (s *Service) Healthy() bool {
	return !s.Enabled() || s.bus.Healthy()
}

// Attach starts listening for audio frames of sessionID. Capture is off until
// StartCapture is called.
func (s *Service) Attach(sessionID string, listener Listener) (*Capture, error) {
	c := newCapture(s, sessionID, listener)
	if s.bus != nil {
		sub, err := s.bus.Conn().Subscribe(protocol.AudioFrameSubject(sessionID), c.handleMsg)
		if err != nil {
			return nil, fmt.Errorf("subscribe audio frames: %w", err)
		}
		c.sub = sub
	}
	s.mu.Lock()
	if prev := s.captures[sessionID]; prev != nil {
		s.mu.Unlock()
		prev.Close()
		s.mu.Lock()
	}
	s.captures[sessionID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *Service) detach(c *Capture) {
	s.mu.Lock()
	if s.captures[c.sessionID] == c {
		delete(s.captures, c.sessionID)
	}
	s.mu.Unlock()
}

func (s *Service) Close() {
	s.mu.Lock()
	captures := make([]*Capture, 0, len(s.captures))
	for _, c := range s.captures {
		captures = append(captures, c)
	}
	s.mu.Unlock()
	for _, c := range captures {
		c.Close()
	}
	s.cancel()
	s.wg.Wait()
}

// Capture is the microphone of one session. It buffers frames while capture
// is on and turns them into recognition events.
type Capture struct {
	svc       *Service
	sessionID string
	listener  Listener
	sub       *nats.Subscription
	logger    *slog.Logger

	mu           sync.Mutex
	capturing    bool
	speaking     bool
	buffer       []byte
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	// epoch changes whenever capture stops, so late results are discarded.
	epoch int

	events      []event
	dispatching bool
}

type eventKind int

const (
	eventStarted eventKind = iota
	eventPartial
	eventFinished
)

type event struct {
	kind eventKind
	text string
}

func newCapture(s *Service, sessionID string, listener Listener) *Capture {
	return &Capture{
		svc:       s,
		sessionID: sessionID,
		listener:  listener,
		logger:    s.logger.With(slog.String("session_id", sessionID)),
	}
}

func (c *Capture) StartCapture() {
	c.mu.Lock()
	c.capturing = true
	c.mu.Unlock()
}

// StopCapture drops any partial utterance and ignores frames until the next
// StartCapture.
func (c *Capture) StopCapture() {
	c.mu.Lock()
	c.capturing = false
	c.reset()
	c.mu.Unlock()
}

func (c *Capture) Close() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.StopCapture()
	c.svc.detach(c)
}

func (c *Capture) reset() {
	c.speaking = false
	c.buffer = nil
	c.lastPartial = time.Time{}
	c.pendingFinal = false
	c.epoch++
}

func (c *Capture) handleMsg(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		c.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	c.HandleFrame(frame)
}

// HandleFrame feeds one microphone frame into the current utterance.
func (c *Capture) HandleFrame(frame protocol.AudioFrame) {
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return
	}
	if !c.speaking && (len(frame.PCM) > 0 || frame.Final) {
		c.speaking = true
		c.emit(event{kind: eventStarted})
	}
	c.buffer = append(c.buffer, frame.PCM...)
	partial := !frame.Final && c.svc.cfg.PublishInterim && c.partialDue()
	c.mu.Unlock()

	if frame.Final {
		c.schedule(true)
	} else if partial {
		c.schedule(false)
	}
}

// partialDue must be called with c.mu held.
func (c *Capture) partialDue() bool {
	if c.inflight {
		return false
	}
	now := c.svc.clock()
	if c.lastPartial.IsZero() {
		c.lastPartial = now
		return true
	}
	interval := time.Duration(c.svc.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 || now.Sub(c.lastPartial) < interval {
		return false
	}
	c.lastPartial = now
	return true
}

func (c *Capture) schedule(final bool) {
	c.mu.Lock()
	if !c.speaking {
		c.mu.Unlock()
		return
	}
	if c.inflight {
		if final {
			c.pendingFinal = true
		}
		c.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), c.buffer...)
	epoch := c.epoch
	c.inflight = true
	c.mu.Unlock()

	c.svc.wg.Add(1)
	go func() {
		defer c.svc.wg.Done()
		ctx, cancel := context.WithTimeout(c.svc.ctx, 45*time.Second)
		defer cancel()

		result, err := c.svc.recognizer.Transcribe(ctx, Utterance{
			PCM:        pcm,
			SampleRate: c.svc.cfg.SampleRate,
			Channels:   c.svc.cfg.Channels,
			Final:      final,
		})
		if err != nil {
			c.logger.Warn("stt transcription failed", slogError(err))
		}

		c.mu.Lock()
		current := epoch == c.epoch
		c.inflight = false
		pendingFinal := c.pendingFinal && !final
		switch {
		case !current:
		case final:
			text := ""
			if err == nil {
				text = result.Text
			}
			c.reset()
			c.emit(event{kind: eventFinished, text: text})
		default:
			c.lastPartial = c.svc.clock()
			if err == nil && result.Text != "" {
				c.emit(event{kind: eventPartial, text: result.Text})
			}
		}
		c.mu.Unlock()

		if current && pendingFinal {
			c.schedule(true)
		}
	}()
}

// emit queues a listener call in recognition order. Must be called with c.mu
// held; listeners run outside the lock so they may call back into the capture.
func (c *Capture) emit(e event) {
	c.events = append(c.events, e)
	if !c.dispatching {
		c.dispatching = true
		go c.dispatch()
	}
}

func (c *Capture) dispatch() {
	for {
		c.mu.Lock()
		if len(c.events) == 0 {
			c.dispatching = false
			c.mu.Unlock()
			return
		}
		e := c.events[0]
		c.events = c.events[1:]
		c.mu.Unlock()

		switch e.kind {
		case eventStarted:
			c.listener.RecognitionStarted()
		case eventPartial:
			c.listener.RecognitionPartial(e.text)
		case eventFinished:
			c.listener.RecognitionFinished(e.text)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
