// Package characters loads the roster of board personas from YAML files on
// disk. Each character can be assigned to tasks and fronts a chat session.
package characters

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	perrors "github.com/jndoye/pikaboard/internal/errors"
)

// Character is one persona on the roster.
type Character struct {
	// ID is the stable identifier tasks reference. Required.
	ID string `yaml:"id" json:"id"`

	// Name is the display name, e.g. "Pika".
	Name string `yaml:"name" json:"name"`

	// Role is a short tagline shown on the card.
	Role string `yaml:"role" json:"role"`

	// Avatar is the image path served under the static characters route.
	Avatar string `yaml:"avatar" json:"avatar"`

	// Skills is a free-form list shown on the character card.
	Skills []string `yaml:"skills" json:"skills"`

	// SessionPrefix namespaces this character's chat sessions.
	SessionPrefix string `yaml:"session_prefix" json:"sessionPrefix"`
}

// Validate checks required fields and sets defaults.
func (c *Character) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("character: id is required")
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.SessionPrefix == "" {
		c.SessionPrefix = c.ID
	}
	return nil
}

// SessionKey returns the chat session key this character uses.
func (c *Character) SessionKey() string {
	return c.SessionPrefix + "-chat"
}

// Registry holds the loaded roster. It is immutable after Load.
type Registry struct {
	byID  map[string]*Character
	order []*Character
}

// Load reads every *.yaml / *.yml file in dir. A missing directory yields an
// empty registry, not an error, so the board works without a roster.
func Load(dir string) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Character)}
	if dir == "" {
		return r, nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read characters dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		var c Character
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if _, dup := r.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate character id %q in %s", c.ID, entry.Name())
		}

		cc := c
		r.byID[cc.ID] = &cc
		r.order = append(r.order, &cc)
	}

	sort.Slice(r.order, func(i, j int) bool { return r.order[i].ID < r.order[j].ID })
	return r, nil
}

// Get returns the character with the given id.
func (r *Registry) Get(id string) (*Character, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, perrors.ErrNotFound
	}
	return c, nil
}

// List returns all characters ordered by id.
func (r *Registry) List() []*Character {
	out := make([]*Character, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the roster size.
func (r *Registry) Len() int {
	return len(r.order)
}
