package coach

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default persona values.
const (
	DefaultName = "Nia"
	DefaultRole = "You are an IVF coach named Nia helping women dealing with maintaining a positive mindset during this difficult process of trying to conceive. Your goal is always to motivate your clients and keep them in a good mindset. You answer should contain the final message only"
	// DefaultFocusInstruction is appended to the role for free chat.
	DefaultFocusInstruction = "If the user talk about something not related to IVF ask him to stay focused on the IVF process in a positive way."

	DefaultIntroVideoURL    = "https://storage.googleapis.com/ivf-coach-videos/intro-v2.mp4"
	DefaultIntroVideoWidth  = 720
	DefaultIntroVideoHeight = 1280

	DefaultJournalTemplateID = "1mk-4rlEErbtZpWkILsdrO1EBPSZv925T21PGn6IujcA"
	DefaultExportDir         = "/var/lib/niacoach/exports"
)

var validate = validator.New()

// Video is a video with its display dimensions.
type Video struct {
	URL    string `yaml:"url" validate:"required,url"`
	Width  int    `yaml:"width" validate:"gt=0"`
	Height int    `yaml:"height" validate:"gt=0"`
}

// Persona is the configurable identity of the coach.
type Persona struct {
	Name              string `yaml:"name" validate:"required"`
	Role              string `yaml:"role" validate:"required"`
	FocusInstruction  string `yaml:"focus_instruction"`
	IntroVideo        Video  `yaml:"intro_video"`
	JournalTemplateID string `yaml:"journal_template_id" validate:"required"`
	ExportDir         string `yaml:"export_dir" validate:"required"`
}

// DefaultPersona returns the compiled-in persona.
func DefaultPersona() Persona {
	return Persona{
		Name:             DefaultName,
		Role:             DefaultRole,
		FocusInstruction: DefaultFocusInstruction,
		IntroVideo: Video{
			URL:    DefaultIntroVideoURL,
			Width:  DefaultIntroVideoWidth,
			Height: DefaultIntroVideoHeight,
		},
		JournalTemplateID: DefaultJournalTemplateID,
		ExportDir:         DefaultExportDir,
	}
}

// LoadPersona reads a YAML persona file on top of the defaults. An empty
// path returns the defaults.
func LoadPersona(path string) (Persona, error) {
	p := DefaultPersona()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read persona: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse persona: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks the persona's required fields.
func (p Persona) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid persona: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid persona: %w", err)
	}
	return nil
}

// ChatSystemPrompt is the system prompt for free chat.
func (p Persona) ChatSystemPrompt() string {
	if p.FocusInstruction == "" {
		return p.Role
	}
	return p.Role + " " + p.FocusInstruction
}
