// Package settings holds the user-editable process settings: connection
// count, extension categories and notification toggles.
package settings

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DefaultMaxConns = 16
	MaxConnsLimit   = 64
)

var (
	// ErrInvalidMaxConns indicates a connection count outside 1..MaxConnsLimit.
	ErrInvalidMaxConns = errors.New("invalid_max_conns")
	// ErrDuplicateCategory indicates two categories share a name.
	ErrDuplicateCategory = errors.New("duplicate_category")
)

// Category maps a directory name to the file extensions filed under it.
type Category struct {
	Name       string   `json:"name" toml:"name" yaml:"name"`
	Extensions []string `json:"extensions" toml:"extensions" yaml:"extensions"`
}

// Notify toggles user notifications per session event. Engine errors are
// always shown regardless of these flags.
type Notify struct {
	OnStart    bool `json:"on_start"`
	OnComplete bool `json:"on_complete"`
	OnFailure  bool `json:"on_failure"`
}

// Settings is replaced wholesale on save.
type Settings struct {
	MaxConns   int        `json:"max_conns"`
	Categories []Category `json:"categories"`
	Notify     Notify     `json:"notify"`
}

// Default returns the settings used on first start and after a reset.
func Default() Settings {
	return Settings{
		MaxConns: DefaultMaxConns,
		Categories: []Category{
			{Name: "Documents", Extensions: []string{"pdf", "epub", "doc", "docx", "odt", "txt"}},
			{Name: "Compressed", Extensions: []string{"zip", "rar", "7z", "gz", "xz", "tar"}},
			{Name: "Music", Extensions: []string{"mp3", "flac", "ogg", "wav", "m4a"}},
			{Name: "Video", Extensions: []string{"mp4", "mkv", "webm", "avi", "mov"}},
			{Name: "Programs", Extensions: []string{"exe", "msi", "deb", "rpm", "appimage", "iso"}},
		},
		Notify: Notify{OnStart: false, OnComplete: true, OnFailure: true},
	}
}

// Validate normalizes extensions and checks the connection count.
func (s *Settings) Validate() error {
	if s.MaxConns < 1 || s.MaxConns > MaxConnsLimit {
		return fmt.Errorf("%w: %d (must be 1-%d)", ErrInvalidMaxConns, s.MaxConns, MaxConnsLimit)
	}
	seen := make(map[string]struct{}, len(s.Categories))
	cats := make([]Category, 0, len(s.Categories))
	for _, c := range s.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateCategory, name)
		}
		seen[name] = struct{}{}
		exts := normalizeExtensions(c.Extensions)
		if len(exts) == 0 {
			continue
		}
		cats = append(cats, Category{Name: name, Extensions: exts})
	}
	s.Categories = cats
	return nil
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.Categories = make([]Category, len(s.Categories))
	for i, c := range s.Categories {
		out.Categories[i] = Category{Name: c.Name, Extensions: append([]string(nil), c.Extensions...)}
	}
	return out
}

// CategoryFor returns the first category containing the extension of
// filename.
func (s Settings) CategoryFor(filename string) (string, bool) {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	if ext == "" {
		return "", false
	}
	ext = strings.ToLower(ext)
	for _, c := range s.Categories {
		for _, e := range c.Extensions {
			if e == ext {
				return c.Name, true
			}
		}
	}
	return "", false
}

// Classify splits path into its directory and filename and appends the
// matching category as a subdirectory.
func (s Settings) Classify(path string) (dir, filename string) {
	dir, filename = filepath.Split(path)
	dir = filepath.Clean(dir)
	if cat, ok := s.CategoryFor(filename); ok {
		dir = filepath.Join(dir, cat)
	}
	return dir, filename
}

// ParseCategories reads the "Name: ext ext" line format. Blank lines, lines
// without a colon and lines with an empty name or extension list are skipped.
func ParseCategories(text string) []Category {
	var cats []Category
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, exts, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		list := normalizeExtensions(strings.Fields(exts))
		if name == "" || len(list) == 0 {
			continue
		}
		cats = append(cats, Category{Name: name, Extensions: list})
	}
	return cats
}

// FormatCategories renders categories in the ParseCategories format.
func FormatCategories(cats []Category) string {
	lines := make([]string, 0, len(cats))
	for _, c := range cats {
		lines = append(lines, c.Name+": "+strings.Join(c.Extensions, " "))
	}
	return strings.Join(lines, "\n")
}

func normalizeExtensions(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
