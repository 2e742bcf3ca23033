package patterns

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Set is an immutable, name-ordered collection of descriptors.
type Set struct {
	descriptors []*Descriptor
	byName      map[string]*Descriptor
}

// LoadFile reads a pattern descriptor JSON file.
func LoadFile(path string) (*Set, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patterns: %w", err)
	}
	set, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Parse decodes a JSON map of pattern name to descriptor. Unknown kinds,
// actions and strategies are rejected here rather than at first detection.
func Parse(b []byte) (*Set, error) {
	var raw map[string]*Descriptor
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse patterns: %w", err)
	}
	descs := make([]*Descriptor, 0, len(raw))
	for name, d := range raw {
		if d == nil {
			return nil, fmt.Errorf("pattern %q is null", name)
		}
		d.Name = name
		descs = append(descs, d)
	}
	return New(descs)
}

// New validates and compiles descriptors into a Set.
func New(descs []*Descriptor) (*Set, error) {
	s := &Set{byName: make(map[string]*Descriptor, len(descs))}
	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("pattern name is empty")
		}
		if _, dup := s.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate pattern %q", d.Name)
		}
		if err := d.validate(); err != nil {
			return nil, err
		}
		if err := d.compile(); err != nil {
			return nil, err
		}
		s.byName[d.Name] = d
		s.descriptors = append(s.descriptors, d)
	}
	sort.Slice(s.descriptors, func(i, j int) bool { return s.descriptors[i].Name < s.descriptors[j].Name })
	return s, nil
}

// All returns descriptors in name order.
func (s *Set) All() []*Descriptor {
	if s == nil {
		return nil
	}
	return s.descriptors
}

// Get looks up a descriptor by name.
func (s *Set) Get(name string) (*Descriptor, bool) {
	if s == nil {
		return nil, false
	}
	d, ok := s.byName[name]
	return d, ok
}

// Len returns the number of descriptors.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.descriptors)
}
