// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package traits maps Smart Device Management trait payloads to metric
// entries. Each trait type has one translator; trait types without a
// translator are ignored.
package traits

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Entry is one metric value produced from a trait payload. Labels holds
// only the labels the trait itself adds, such as mode.
type Entry struct {
	Name   string
	Value  float64
	Labels Labels
}

// Translator turns a trait payload into entries. A nil element means the
// metric does not apply to this payload. Translators must be pure.
type Translator func(payload json.RawMessage) ([]*Entry, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Translator)
)

// Register installs fn as the translator for traitType, replacing any
// existing one.
func Register(traitType string, fn Translator) {
	if fn == nil {
		panic(fmt.Sprintf("traits: nil translator for %s", traitType))
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[traitType] = fn
}

// Lookup returns the translator registered for traitType.
func Lookup(traitType string) (Translator, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[traitType]
	return fn, ok
}

// Translate runs the translator for traitType. Unknown trait types yield
// no entries and no error.
func Translate(traitType string, payload json.RawMessage) ([]*Entry, error) {
	fn, ok := Lookup(traitType)
	if !ok {
		return nil, nil
	}
	entries, err := fn(payload)
	if err != nil {
		return nil, fmt.Errorf("translate %s: %w", traitType, err)
	}
	return entries, nil
}

// Known returns the registered trait types, sorted.
func Known() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
