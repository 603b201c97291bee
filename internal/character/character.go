package character

import (
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-companion/internal/chat"
	"gopkg.in/yaml.v3"
)

// Character describes a companion persona.
type Character struct {
	Metadata Metadata `yaml:"metadata"`
	Profile  Profile  `yaml:"profile"`
	Speech   Speech   `yaml:"speech"`
	Actions  []string `yaml:"actions,omitempty"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type Profile struct {
	SystemPrompt            string `yaml:"system_prompt,omitempty"`
	Description             string `yaml:"description"`
	Personality             string `yaml:"personality"`
	Scenario                string `yaml:"scenario"`
	Context                 string `yaml:"context,omitempty"`
	PostHistoryInstructions string `yaml:"post_history_instructions,omitempty"`
	Greeting                string `yaml:"greeting,omitempty"`
}

type Speech struct {
	Voice    string   `yaml:"voice,omitempty"`
	Thinking []string `yaml:"thinking,omitempty"`
}

// Load reads a character definition from disk.
func Load(path string) (Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Character{}, err
	}
	return Parse(data)
}

// Parse decodes a character definition.
func Parse(data []byte) (Character, error) {
	var c Character
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Character{}, err
	}
	return c, nil
}

// Validate ensures the character contains required fields.
func Validate(c Character) error {
	if c.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if c.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if strings.TrimSpace(c.Profile.Description) == "" {
		return fmt.Errorf("profile.description is required")
	}
	seen := make(map[string]struct{}, len(c.Actions))
	for _, a := range c.Actions {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("actions must not contain empty entries")
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("duplicate action %q", a)
		}
		seen[a] = struct{}{}
	}
	for _, line := range c.Speech.Thinking {
		if strings.TrimSpace(line) == "" {
			return fmt.Errorf("speech.thinking must not contain empty lines")
		}
	}
	return nil
}

// NewChat builds the conversation context for a session talking to c.
// defaultVoice is used when the character does not pin one.
func (c Character) NewChat(chatID, userName, defaultVoice string) *chat.Chat {
	voice := c.Speech.Voice
	if voice == "" {
		voice = defaultVoice
	}
	return &chat.Chat{
		ID:       chatID,
		UserName: userName,
		BotName:  c.Metadata.Name,
		Preamble: chat.Preamble{
			SystemPrompt: c.Profile.SystemPrompt,
			Description:  c.Profile.Description,
			Personality:  c.Profile.Personality,
			Scenario:     c.Profile.Scenario,
		},
		Postamble:      c.Profile.PostHistoryInstructions,
		Context:        c.Profile.Context,
		Actions:        append([]string(nil), c.Actions...),
		Voice:          voice,
		Greeting:       c.Profile.Greeting,
		ThinkingSpeech: append([]string(nil), c.Speech.Thinking...),
	}
}

// Default is the persona used when no character file is configured.
func Default() Character {
	return Character{
		Metadata: Metadata{Name: "Loqa", Version: "0.1.0", Description: "built-in companion"},
		Profile: Profile{
			Description: "A friendly voice companion who keeps replies short and warm.",
			Personality: "curious, kind, playful",
			Scenario:    "Loqa is chatting with the user through a speaker.",
			Greeting:    "Hi! I'm here whenever you want to talk.",
		},
		Actions: []string{"idle", "happy", "sad", "think"},
	}
}
