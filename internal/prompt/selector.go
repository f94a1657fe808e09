package prompt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nikolalohinski/gonja"
	"github.com/nikolalohinski/gonja/exec"

	"github.com/bitflow/flowproxy/internal/logging"
)

// ErrTemplateNotLoaded reports that the template a turn needs is missing.
var ErrTemplateNotLoaded = errors.New("prompt template not loaded")

// PreviousArtifactVar is the modification template variable bound to the
// cached artifact.
const PreviousArtifactVar = "previous_drawio"

// Kind identifies which template a prompt was rendered from.
type Kind string

const (
	KindGeneration   Kind = "generation"
	KindModification Kind = "modification"
)

// Selector holds the two compiled templates.
type Selector struct {
	mu           sync.RWMutex
	generation   *exec.Template
	modification *exec.Template
}

// NewSelector compiles the template bodies. An empty body leaves that
// template unloaded; a body that does not parse is an error.
func NewSelector(generation, modification string) (*Selector, error) {
	s := &Selector{}
	if err := s.Reload(generation, modification); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload recompiles both templates and swaps them in together. On error the
// previous templates stay in place.
func (s *Selector) Reload(generation, modification string) error {
	gen, err := compile(KindGeneration, generation)
	if err != nil {
		return err
	}
	mod, err := compile(KindModification, modification)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.generation = gen
	s.modification = mod
	s.mu.Unlock()
	return nil
}

func compile(kind Kind, body string) (*exec.Template, error) {
	if body == "" {
		return nil, nil
	}
	tpl, err := gonja.FromString(body)
	if err != nil {
		return nil, fmt.Errorf("compile %s template: %w", kind, err)
	}
	return tpl, nil
}

// Loaded reports which templates are available.
func (s *Selector) Loaded() (generation, modification bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation != nil, s.modification != nil
}

// BuildPrompt renders the system prompt for a turn. previous is the artifact
// cached by earlier turns, empty when there is none.
func (s *Selector) BuildPrompt(isFirstTurn bool, previous, sessionID string) (string, error) {
	out, _, err := s.Select(isFirstTurn, previous, sessionID)
	return out, err
}

// Select is BuildPrompt that also reports which template was used.
func (s *Selector) Select(isFirstTurn bool, previous, sessionID string) (string, Kind, error) {
	s.mu.RLock()
	gen, mod := s.generation, s.modification
	s.mu.RUnlock()

	if isFirstTurn {
		out, err := renderGeneration(gen, sessionID)
		return out, KindGeneration, err
	}

	if previous == "" {
		logging.Warn().
			Str("sessionID", sessionID).
			Msg("no cached artifact for follow-up turn, falling back to generation prompt")
		out, err := renderGeneration(gen, sessionID)
		return out, KindGeneration, err
	}

	if mod == nil {
		logging.Error().Str("sessionID", sessionID).Msg("modification template is not loaded")
		return "", KindModification, fmt.Errorf("%w: %s", ErrTemplateNotLoaded, KindModification)
	}
	out, err := mod.Execute(map[string]any{PreviousArtifactVar: previous})
	if err != nil {
		return "", KindModification, fmt.Errorf("render %s template: %w", KindModification, err)
	}
	return out, KindModification, nil
}

func renderGeneration(tpl *exec.Template, sessionID string) (string, error) {
	if tpl == nil {
		logging.Error().Str("sessionID", sessionID).Msg("generation template is not loaded")
		return "", fmt.Errorf("%w: %s", ErrTemplateNotLoaded, KindGeneration)
	}
	out, err := tpl.Execute(map[string]any{})
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", KindGeneration, err)
	}
	logging.Debug().Int("length", len(out)).Msg("generation prompt rendered")
	return out, nil
}
