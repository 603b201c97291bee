package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer hands each utterance to an external program as a WAV file
// and reads one JSON transcript from its stdout.
type execRecognizer struct {
	args      []string
	modelPath string
	language  string
	interim   bool
}

type execTranscript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{
		args:      args,
		modelPath: cfg.ModelPath,
		language:  cfg.Language,
		interim:   cfg.PublishInterim,
	}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, u Utterance) (Transcript, error) {
	file, err := os.CreateTemp("", "companion_stt_*.wav")
	if err != nil {
		return Transcript{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	err = encodeWAV(file, u)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Transcript{}, err
	}

	args := append([]string{}, r.args[1:]...)
	args = append(args, "--audio", file.Name())
	if r.modelPath != "" {
		args = append(args, "--model", r.modelPath)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}
	if r.interim && !u.Final {
		args = append(args, "--partial")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.args[0], args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Transcript{}, ctx.Err()
		}
		return Transcript{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execTranscript
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Transcript{}, fmt.Errorf("decode stt response: %w", err)
	}
	if resp.Error != "" {
		return Transcript{}, fmt.Errorf("stt backend: %s", resp.Error)
	}
	return Transcript{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence}, nil
}

// encodeWAV writes u as a 16-bit PCM WAV stream.
func encodeWAV(w io.WriteSeeker, u Utterance) error {
	if len(u.PCM)%2 != 0 {
		return errors.New("pcm payload not aligned to 16-bit samples")
	}
	channels := max(u.Channels, 1)
	samples := make([]int, len(u.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(u.PCM[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: u.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, u.SampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
