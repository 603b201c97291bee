package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external voice engine once per line. The process reads
// one JSON request on stdin and prints NDJSON frames of base64 PCM.
type execSynth struct {
	argv       []string
	sampleRate int
	channels   int
}

type execSynthRequest struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execSynthFrame struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Error      string `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command empty")
	}
	if channels <= 0 {
		channels = 1
	}
	return &execSynth{argv: argv, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, line Line) (Audio, error) {
	input, err := json.Marshal(execSynthRequest{
		ID:         line.ID,
		Text:       line.Text,
		Voice:      line.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, err
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Audio{}, ctx.Err()
		}
		return Audio{}, fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	audio := Audio{SampleRate: e.sampleRate, Channels: e.channels}
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var frame execSynthFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return Audio{}, fmt.Errorf("decode tts frame: %w", err)
		}
		if frame.Error != "" {
			return Audio{}, fmt.Errorf("tts command: %s", frame.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(frame.PCMBase64)
		if err != nil {
			return Audio{}, fmt.Errorf("decode tts pcm: %w", err)
		}
		if frame.SampleRate > 0 {
			audio.SampleRate = frame.SampleRate
		}
		audio.PCM = append(audio.PCM, pcm...)
	}
	return audio, scanner.Err()
}
