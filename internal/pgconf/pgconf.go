// Package pgconf rewrites single settings in a segment's postgresql.conf.
package pgconf

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// FileName is the configuration file patched inside a data directory.
const FileName = "postgresql.conf"

// ErrKeyNotFound is returned by Get when no active assignment exists.
var ErrKeyNotFound = errors.New("pgconf: key not found")

// ValueType decides how a value is serialized.
type ValueType int

const (
	TypeNumber ValueType = iota
	TypeString
	TypeBool
)

// ConfigWriteError reports a patch that could not be applied.
type ConfigWriteError struct {
	Path string
	Key  string
	Err  error
}

func (e *ConfigWriteError) Error() string {
	return fmt.Sprintf("update %s in %s: %v", e.Key, e.Path, e.Err)
}

func (e *ConfigWriteError) Unwrap() error { return e.Err }

// Patcher edits postgresql.conf files on fs.
type Patcher struct {
	fs afero.Fs
}

// NewPatcher returns a Patcher over fs; nil means the OS filesystem.
func NewPatcher(fs afero.Fs) *Patcher {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Patcher{fs: fs}
}

// Path returns the configuration file path for a data directory.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Set makes key = value the effective assignment in <dir>/postgresql.conf.
// The first active assignment is rewritten in place, later active duplicates
// are commented out and a missing key is appended. Nothing is written when
// the file already has exactly that effect.
func (p *Patcher) Set(dir, key string, value any, t ValueType) error {
	path := Path(dir)
	rendered, err := Format(value, t)
	if err != nil {
		return &ConfigWriteError{Path: path, Key: key, Err: err}
	}

	info, err := p.fs.Stat(path)
	if err != nil {
		return &ConfigWriteError{Path: path, Key: key, Err: err}
	}
	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return &ConfigWriteError{Path: path, Key: key, Err: err}
	}

	updated := rewrite(data, key, key+" = "+rendered)
	if bytes.Equal(updated, data) {
		return nil
	}
	if err := afero.WriteFile(p.fs, path, updated, info.Mode().Perm()); err != nil {
		return &ConfigWriteError{Path: path, Key: key, Err: err}
	}
	return nil
}

// Get returns the raw value of the last active assignment of key.
func (p *Patcher) Get(dir, key string) (string, error) {
	data, err := afero.ReadFile(p.fs, Path(dir))
	if err != nil {
		return "", err
	}
	value, found := "", false
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := assignment(line, key); ok {
			value, found = v, true
		}
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return value, nil
}

// Format serializes value the way postgresql.conf expects for t.
func Format(value any, t ValueType) (string, error) {
	switch t {
	case TypeNumber:
		switch v := value.(type) {
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case string:
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return "", fmt.Errorf("%q is not numeric", v)
			}
			return v, nil
		}
	case TypeString:
		s := fmt.Sprint(value)
		return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
	case TypeBool:
		switch v := value.(type) {
		case bool:
			if v {
				return "on", nil
			}
			return "off", nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return "", fmt.Errorf("%q is not boolean", v)
			}
			return Format(b, TypeBool)
		}
	default:
		return "", fmt.Errorf("unknown value type %d", t)
	}
	return "", fmt.Errorf("cannot format %T as type %d", value, t)
}

func rewrite(data []byte, key, replacement string) []byte {
	text := string(data)
	trailingNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if text == "" {
		lines = nil
	}

	replaced := false
	for i, line := range lines {
		if _, ok := assignment(line, key); !ok {
			continue
		}
		if !replaced {
			lines[i] = replacement
			replaced = true
			continue
		}
		lines[i] = "#" + line
	}
	if !replaced {
		lines = append(lines, replacement)
		trailingNewline = true
	}

	out := strings.Join(lines, "\n")
	if trailingNewline {
		out += "\n"
	}
	return []byte(out)
}

// assignment reports whether line is an active "key = value" (or "key value")
// setting for key and returns its value without trailing comments.
func assignment(line, key string) (string, bool) {
	s := strings.TrimSpace(line)
	if s == "" || s[0] == '#' {
		return "", false
	}
	if len(s) <= len(key) || !strings.EqualFold(s[:len(key)], key) {
		return "", false
	}
	rest := s[len(key):]
	if c := rest[0]; c != '=' && c != ' ' && c != '\t' {
		return "", false
	}
	rest = strings.TrimLeft(rest, " \t")
	rest = strings.TrimPrefix(rest, "=")
	return stripComment(strings.TrimSpace(rest)), true
}

func stripComment(v string) string {
	inQuote := false
	for i, r := range v {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case r == '#' && !inQuote:
			return strings.TrimSpace(v[:i])
		}
	}
	return v
}
