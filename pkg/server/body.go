package server

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Body is a decoded form submission: string keys mapping to string
// leaves or further nested Body maps. Keys in the submitted form use
// dot-separated paths, e.g. "User.Name".
type Body map[string]any

// DecodeBody builds a nested Body from form-encoded pairs. Dot-separated
// keys create intermediate maps as needed. A path used both as a leaf
// and as a branch fails with ErrMalformedBody; absent keys simply do
// not appear in the output.
//
// Keys are processed in sorted order so collision detection does not
// depend on map iteration order.
func DecodeBody(values url.Values) (Body, error) {
	out := make(Body)
	if len(values) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		vs := values[key]
		value := ""
		if len(vs) > 0 {
			// Repeated fields keep the last submitted value.
			value = vs[len(vs)-1]
		}
		if err := setPath(out, key, value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// setPath writes value at the dot-separated path, creating intermediate
// maps. Empty path segments are skipped.
func setPath(body Body, path, value string) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil
	}

	current := body
	for i, part := range parts {
		if i == len(parts)-1 {
			if _, isBranch := current[part].(Body); isBranch {
				return &BodyError{Key: path, Err: ErrMalformedBody}
			}
			current[part] = value
			return nil
		}

		next, exists := current[part]
		if !exists {
			child := make(Body)
			current[part] = child
			current = child
			continue
		}
		child, ok := next.(Body)
		if !ok {
			// Path already holds a leaf where a branch is needed.
			return &BodyError{Key: path, Err: ErrMalformedBody}
		}
		current = child
	}
	return nil
}

func splitPath(path string) []string {
	raw := strings.Split(path, ".")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// String returns the leaf value at the dot-separated path, or "" if the
// path is absent or names a branch.
func (b Body) String(path string) string {
	value, ok := b.lookup(path)
	if !ok {
		return ""
	}
	s, _ := value.(string)
	return s
}

// Int returns the leaf at path parsed as an integer, or 0.
func (b Body) Int(path string) int {
	n, err := strconv.Atoi(b.String(path))
	if err != nil {
		return 0
	}
	return n
}

// Float returns the leaf at path parsed as a float64, or 0.
func (b Body) Float(path string) float64 {
	f, err := strconv.ParseFloat(b.String(path), 64)
	if err != nil {
		return 0
	}
	return f
}

// Bool returns true when the leaf at path is "true" or "on" (checkbox).
func (b Body) Bool(path string) bool {
	switch b.String(path) {
	case "true", "on":
		return true
	}
	return false
}

// Section returns the nested Body at path, or nil if absent or a leaf.
func (b Body) Section(path string) Body {
	value, ok := b.lookup(path)
	if !ok {
		return nil
	}
	section, _ := value.(Body)
	return section
}

func (b Body) lookup(path string) (any, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, false
	}

	var current any = b
	for _, part := range parts {
		m, ok := current.(Body)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
