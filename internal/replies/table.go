// Package replies loads the intent/reply table: the canned texts keyed by
// normalized input. A table is immutable once loaded.
package replies

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Table maps normalized input keys to reply texts.
type Table struct {
	menu            string
	rateLimitNotice string
	reset           string
	greetings       map[string]struct{}
	options         map[string]string
}

// file is the on-disk YAML layout.
type file struct {
	Menu            string            `yaml:"menu"`
	Greetings       []string          `yaml:"greetings"`
	Reset           string            `yaml:"reset"`
	RateLimitNotice string            `yaml:"rate_limit_notice"`
	Options         map[string]string `yaml:"options"`
}

// Default returns the built-in table.
func Default() *Table {
	t, err := Parse(defaultYAML)
	if err != nil {
		panic("replies: invalid embedded default table: " + err.Error())
	}
	return t
}

// Load reads a table from path, or returns Default when path is empty.
func Load(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reply table: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse reply table %s: %w", path, err)
	}
	return t, nil
}

// Parse builds a table from YAML. Keys are lowercased and trimmed.
func Parse(data []byte) (*Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if strings.TrimSpace(f.Menu) == "" {
		return nil, errors.New("menu cannot be empty")
	}

	t := &Table{
		menu:            f.Menu,
		rateLimitNotice: strings.TrimSpace(f.RateLimitNotice),
		reset:           NormalizeKey(f.Reset),
		greetings:       make(map[string]struct{}, len(f.Greetings)),
		options:         make(map[string]string, len(f.Options)),
	}
	for _, g := range f.Greetings {
		if key := NormalizeKey(g); key != "" {
			t.greetings[key] = struct{}{}
		}
	}
	for k, v := range f.Options {
		key := NormalizeKey(k)
		if key == "" {
			return nil, errors.New("option key cannot be empty")
		}
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("option %q has no reply text", k)
		}
		if t.isControl(key) {
			return nil, fmt.Errorf("option %q shadows a greeting or the reset key", k)
		}
		if _, dup := t.options[key]; dup {
			return nil, fmt.Errorf("option %q is defined twice", k)
		}
		t.options[key] = v
	}
	return t, nil
}

// NormalizeKey lowercases and trims an input key.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Menu returns the main menu text.
func (t *Table) Menu() string {
	return t.menu
}

// RateLimitNotice returns the notice sent to rate-limited recipients, or ""
// when the table does not override it.
func (t *Table) RateLimitNotice() string {
	return t.rateLimitNotice
}

// IsGreeting reports whether key shows the main menu: a greeting word or the
// reset key.
func (t *Table) IsGreeting(key string) bool {
	return t.isControl(key)
}

func (t *Table) isControl(key string) bool {
	if key == "" {
		return false
	}
	if t.reset != "" && key == t.reset {
		return true
	}
	_, ok := t.greetings[key]
	return ok
}

// Lookup returns the reply mapped to key.
func (t *Table) Lookup(key string) (string, bool) {
	text, ok := t.options[key]
	return text, ok
}

// Keys returns the option keys in sorted order.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.options))
	for k := range t.options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Greetings returns the greeting words and the reset key in sorted order.
func (t *Table) Greetings() []string {
	out := make([]string, 0, len(t.greetings)+1)
	for g := range t.greetings {
		out = append(out, g)
	}
	if t.reset != "" {
		if _, dup := t.greetings[t.reset]; !dup {
			out = append(out, t.reset)
		}
	}
	sort.Strings(out)
	return out
}
