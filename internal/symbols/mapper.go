package symbols

import (
	"strings"
	"sync"
)

// Entry binds the three identities of one instrument.
type Entry struct {
	Key       string `mapstructure:"key"`
	Canonical string `mapstructure:"canonical"`
	Alias     string `mapstructure:"alias"`
	Index     bool   `mapstructure:"index"`
}

// Mapper translates between technical keys, canonical keys and aliases.
// It is safe for concurrent use.
type Mapper struct {
	mu          sync.RWMutex
	byKey       map[string]Entry
	byCanonical map[string]string
	byAlias     map[string]string
}

// NewMapper creates a Mapper seeded with the given entries.
func NewMapper(entries ...Entry) *Mapper {
	m := &Mapper{
		byKey:       make(map[string]Entry),
		byCanonical: make(map[string]string),
		byAlias:     make(map[string]string),
	}
	for _, e := range entries {
		m.add(e)
	}
	return m
}

// Register adds or replaces a mapping.
func (m *Mapper) Register(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(e)
}

func (m *Mapper) add(e Entry) {
	key := normalize(e.Key)
	if key == "" {
		return
	}
	e.Key = key
	e.Canonical = strings.ToUpper(strings.TrimSpace(e.Canonical))
	e.Alias = strings.ToUpper(strings.TrimSpace(e.Alias))
	m.byKey[key] = e
	if e.Canonical != "" {
		m.byCanonical[e.Canonical] = key
	}
	if e.Alias != "" {
		m.byAlias[e.Alias] = key
	}
}

// ToAlias returns the human readable name of key.
func (m *Mapper) ToAlias(key string) string {
	k := normalize(key)
	if k == "" {
		return ""
	}
	m.mu.RLock()
	e, ok := m.byKey[k]
	m.mu.RUnlock()
	if ok && e.Alias != "" {
		return e.Alias
	}

	if parts := strings.Split(k, "|"); len(parts) == 2 && parts[0] == "NSE" {
		return parts[1]
	}
	return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(k, "|", ":"), "NSE INDEX", ""))
}

// ToCanonical returns the internal exchange:symbol form of key.
func (m *Mapper) ToCanonical(key string) string {
	k := normalize(key)
	if k == "" {
		return ""
	}
	m.mu.RLock()
	e, ok := m.byKey[k]
	m.mu.RUnlock()
	if ok && e.Canonical != "" {
		return e.Canonical
	}
	return strings.ReplaceAll(k, "|", ":")
}

// Resolve maps an alias, canonical key or technical key to a technical key.
// Technical keys are returned unchanged.
func (m *Mapper) Resolve(aliasOrKey string) (string, bool) {
	target := strings.ToUpper(strings.TrimSpace(aliasOrKey))
	if target == "" {
		return "", false
	}
	if strings.Contains(target, "|") {
		return target, true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if key, ok := m.byAlias[target]; ok {
		return key, true
	}
	if key, ok := m.byCanonical[target]; ok {
		return key, true
	}
	if strings.Contains(target, ":") {
		return strings.ReplaceAll(target, ":", "|"), true
	}
	return "", false
}

// IsIndex reports whether key refers to an index rather than a tradable leg.
func (m *Mapper) IsIndex(key string) bool {
	k := normalize(key)
	m.mu.RLock()
	e, ok := m.byKey[k]
	m.mu.RUnlock()
	if ok && e.Index {
		return true
	}
	return strings.Contains(k, "INDEX")
}

// Rooms returns the distinct broadcast rooms for key: technical, canonical
// and alias.
func (m *Mapper) Rooms(key string) []string {
	k := normalize(key)
	rooms := []string{k}
	for _, r := range []string{m.ToCanonical(k), m.ToAlias(k)} {
		if r == "" {
			continue
		}
		dup := false
		for _, seen := range rooms {
			if seen == r {
				dup = true
				break
			}
		}
		if !dup {
			rooms = append(rooms, r)
		}
	}
	return rooms
}

func normalize(key string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(key)), ":", "|")
}
