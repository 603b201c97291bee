package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-companion/internal/config"
	"golang.org/x/sync/singleflight"
)

// ErrNoAudio is returned when a synthesizer finished without producing samples.
var ErrNoAudio = errors.New("tts: no audio produced")

// sharedRenderTimeout bounds a reusable render that outlives its callers.
const sharedRenderTimeout = 30 * time.Second

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// Speech describes one synthesized line written to disk.
type Speech struct {
	ID       string
	URL      string
	Path     string
	Duration time.Duration
}

// SpeechGenerator turns text into WAV files served under a public URL prefix.
// Reusable lines are keyed by id and synthesized at most once.
type SpeechGenerator struct {
	cfg    config.TTSConfig
	out    config.SpeechConfig
	synth  Synthesizer
	cache  *lru.Cache[string, Speech]
	flight singleflight.Group
	logger *slog.Logger
}

func NewSpeechGenerator(cfg config.TTSConfig, out config.SpeechConfig, synth Synthesizer, logger *slog.Logger) (*SpeechGenerator, error) {
	if err := os.MkdirAll(out.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create speech directory: %w", err)
	}
	size := out.CacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[string, Speech](size)
	if err != nil {
		return nil, err
	}
	return &SpeechGenerator{
		cfg:    cfg,
		out:    out,
		synth:  synth,
		cache:  cache,
		logger: logger.With(slog.String("component", "speech-generator")),
	}, nil
}

// Enabled reports whether speech output is configured.
func (g *SpeechGenerator) Enabled() bool { return g.cfg.Enabled }

// CreateSpeech synthesizes text and returns the URL of the resulting file.
// An empty URL with a nil error means speech output is disabled.
func (g *SpeechGenerator) CreateSpeech(ctx context.Context, text, voice, id string, reusable bool) (string, error) {
	if !g.cfg.Enabled {
		return "", nil
	}
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid speech id %q", id)
	}
	if voice == "" {
		voice = g.cfg.Voice
	}
	if !reusable {
		speech, err := g.render(ctx, text, voice, id)
		return speech.URL, err
	}

	if speech, ok := g.cache.Get(id); ok {
		return speech.URL, nil
	}
	if speech, ok := g.existing(id); ok {
		g.cache.Add(id, speech)
		return speech.URL, nil
	}
	// The render is shared by every caller waiting on id, so it must not
	// die with whichever caller happened to start it.
	ch := g.flight.DoChan(id, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedRenderTimeout)
		defer cancel()
		speech, err := g.render(rctx, text, voice, id)
		if err != nil {
			return Speech{}, err
		}
		g.cache.Add(id, speech)
		return speech, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(Speech).URL, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *SpeechGenerator) existing(id string) (Speech, bool) {
	path := g.path(id)
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		return Speech{}, false
	}
	return Speech{ID: id, URL: g.url(id), Path: path}, true
}

func (g *SpeechGenerator) render(ctx context.Context, text, voice, id string) (Speech, error) {
	start := time.Now()
	voiced, err := g.synth.Synthesize(ctx, Line{ID: id, Text: text, Voice: voice})
	if err != nil {
		return Speech{}, err
	}
	if len(voiced.PCM) < 2 {
		return Speech{}, ErrNoAudio
	}
	if voiced.SampleRate <= 0 {
		voiced.SampleRate = g.cfg.SampleRate
	}
	if voiced.Channels <= 0 {
		voiced.Channels = 1
	}

	path := g.path(id)
	if err := writeWAV(path, voiced); err != nil {
		return Speech{}, err
	}
	duration := voiced.Duration()
	g.logger.Debug("speech written",
		slog.String("speech_id", id),
		slog.Duration("audio", duration),
		slog.Duration("elapsed", time.Since(start)),
	)
	return Speech{ID: id, URL: g.url(id), Path: path, Duration: duration}, nil
}

func (g *SpeechGenerator) path(id string) string {
	return filepath.Join(g.out.Directory, id+".wav")
}

func (g *SpeechGenerator) url(id string) string {
	return strings.TrimRight(g.out.PublicURL, "/") + "/" + id + ".wav"
}

// writeWAV encodes 16-bit PCM next to path and renames it into place so
// readers never observe a partial file.
func writeWAV(path string, a Audio) error {
	pcm := a.PCM
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".speech_*.wav")
	if err != nil {
		return fmt.Errorf("temp speech file: %w", err)
	}
	defer os.Remove(tmp.Name())

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: a.Channels, SampleRate: a.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(tmp, a.SampleRate, 16, a.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		tmp.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
