package protocol

import (
	"strings"
	"time"
)

// Server message types sent on a session's outbound subject.
const (
	TypeReady                    = "ready"
	TypeReply                    = "reply"
	TypeSpeech                   = "speech"
	TypeAction                   = "action"
	TypeSpeechRecognitionStart   = "speech_recognition_start"
	TypeSpeechRecognitionPartial = "speech_recognition_partial"
	TypeSpeechRecognitionEnd     = "speech_recognition_end"
)

// Client message types accepted on a session's inbound subject.
const (
	TypeSend                   = "send"
	TypeSpeechPlaybackStart    = "speech_playback_start"
	TypeSpeechPlaybackComplete = "speech_playback_complete"
	TypeStop                   = "stop"
)

// ServerMessage is one delivery to the client. Only the fields relevant to
// Type are populated.
type ServerMessage struct {
	Type               string   `json:"type"`
	Text               string   `json:"text,omitempty"`
	URL                string   `json:"url,omitempty"`
	Value              string   `json:"value,omitempty"`
	ThinkingSpeechURLs []string `json:"thinking_speech_urls,omitempty"`
}

func Ready(thinkingSpeechURLs []string) ServerMessage {
	return ServerMessage{Type: TypeReady, ThinkingSpeechURLs: thinkingSpeechURLs}
}

func Reply(text string) ServerMessage { return ServerMessage{Type: TypeReply, Text: text} }

func Speech(url string) ServerMessage { return ServerMessage{Type: TypeSpeech, URL: url} }

func Action(value string) ServerMessage { return ServerMessage{Type: TypeAction, Value: value} }

func SpeechRecognitionStart() ServerMessage {
	return ServerMessage{Type: TypeSpeechRecognitionStart}
}

func SpeechRecognitionPartial(text string) ServerMessage {
	return ServerMessage{Type: TypeSpeechRecognitionPartial, Text: text}
}

func SpeechRecognitionEnd(text string) ServerMessage {
	return ServerMessage{Type: TypeSpeechRecognitionEnd, Text: text}
}

// ClientMessage is an inbound event from the client.
type ClientMessage struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// StartSessionRequest opens a conversation. Empty ids are generated; a known
// chat id resumes its stored history.
type StartSessionRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	ChatID        string `json:"chat_id,omitempty"`
	UserName      string `json:"user_name,omitempty"`
	CharacterPath string `json:"character_path,omitempty"`
}

type StartSessionReply struct {
	SessionID string `json:"session_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	Inbound   string `json:"inbound,omitempty"`
	Outbound  string `json:"outbound,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AudioFrame represents PCM audio data streamed from the client microphone.
type AudioFrame struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	Final      bool      `json:"final"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

const SubjectAudioFramePrefix = "audio.frame"

// AudioFrameSubject is where microphone frames for one session are published.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// Subjects names the NATS subjects of the session gateway under a prefix.
type Subjects struct {
	Prefix string
}

func (s Subjects) Start() string { return s.Prefix + ".session.start" }

func (s Subjects) Inbound(sessionID string) string {
	return s.Prefix + ".session." + sessionID + ".in"
}

func (s Subjects) Outbound(sessionID string) string {
	return s.Prefix + ".session." + sessionID + ".out"
}

func (s Subjects) InboundWildcard() string { return s.Prefix + ".session.*.in" }

// SessionFromInbound extracts the session id from an inbound subject.
func (s Subjects) SessionFromInbound(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, s.Prefix+".session.")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".in")
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// Timeline event types recorded in the event store.
const (
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
	EventReplyCommitted = "reply.committed"
	EventInterrupted    = "reply.interrupted"
	EventActionSelected = "action.selected"
)
