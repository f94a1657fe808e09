package prompt

import (
	"os"
	"path/filepath"

	"github.com/bitflow/flowproxy/internal/logging"
)

// Files names the two template files inside a prompts directory.
type Files struct {
	Dir          string
	Generation   string
	Modification string
}

// GenerationPath returns the generation template path.
func (f Files) GenerationPath() string { return filepath.Join(f.Dir, f.Generation) }

// ModificationPath returns the modification template path.
func (f Files) ModificationPath() string { return filepath.Join(f.Dir, f.Modification) }

// Read returns both template bodies. A file that cannot be read yields an
// empty body so the selector treats it as not loaded.
func (f Files) Read() (generation, modification string) {
	return readTemplate(f.GenerationPath()), readTemplate(f.ModificationPath())
}

func readTemplate(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Warn().Str("path", path).Msg("prompt template not found")
		} else {
			logging.Error().Err(err).Str("path", path).Msg("failed to read prompt template")
		}
		return ""
	}
	return string(data)
}

// Load reads the template files and compiles a Selector.
func Load(files Files) (*Selector, error) {
	gen, mod := files.Read()
	s, err := NewSelector(gen, mod)
	if err != nil {
		return nil, err
	}
	genOK, modOK := s.Loaded()
	logging.Info().
		Str("dir", files.Dir).
		Bool("generation", genOK).
		Bool("modification", modOK).
		Msg("prompt templates loaded")
	return s, nil
}

// ReloadFrom re-reads the files into an existing Selector.
func (s *Selector) ReloadFrom(files Files) error {
	gen, mod := files.Read()
	return s.Reload(gen, mod)
}
