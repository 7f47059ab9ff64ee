package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultSection is the name reserved for settings that apply to every
// device that has no section of its own.
const DefaultSection = "default"

// DeviceStore is a small hierarchical key/value store, one section per
// IMEI plus a "default" section, persisted as YAML. The termconfig
// responder uses it to decide what to tell a device that asks for its
// reporting interval, server address, or similar.
//
// Modeled on the runtime configuration manager pattern: read the whole
// file into memory, serve reads under a RWMutex, and write back with a
// temp-file-plus-rename so a reader never observes a half-written file.
type DeviceStore struct {
	mu   sync.RWMutex
	path string
	doc  map[string]map[string]interface{}
}

// LoadDeviceStore reads path, creating an empty store in memory if the
// file does not exist yet (it is created on first Save).
func LoadDeviceStore(path string) (*DeviceStore, error) {
	s := &DeviceStore{path: path, doc: map[string]map[string]interface{}{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc[DefaultSection] = map[string]interface{}{}
			return s, nil
		}
		return nil, fmt.Errorf("deviceconfig: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("deviceconfig: parse %s: %w", path, err)
	}
	if s.doc == nil {
		s.doc = map[string]map[string]interface{}{}
	}
	if _, ok := s.doc[DefaultSection]; !ok {
		s.doc[DefaultSection] = map[string]interface{}{}
	}
	for imei, section := range s.doc {
		for key, v := range section {
			norm, err := Normalize(v)
			if err != nil {
				return nil, fmt.Errorf("deviceconfig: section %q key %q: %w", imei, key, err)
			}
			section[key] = norm
		}
	}
	return s, nil
}

// Save atomically rewrites the backing file.
func (s *DeviceStore) Save() error {
	s.mu.RLock()
	data, err := yaml.Marshal(s.doc)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("deviceconfig: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("deviceconfig: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("deviceconfig: rename: %w", err)
	}
	return nil
}

// Get looks up key in the IMEI's own section, falling back to the
// default section. The second return value is false if neither section
// defines the key.
func (s *DeviceStore) Get(imei, key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sec, ok := s.doc[imei]; ok {
		if v, ok := sec[key]; ok {
			return v, true
		}
	}
	if v, ok := s.doc[DefaultSection][key]; ok {
		return v, true
	}
	return nil, false
}

// Section returns a copy of everything configured for imei, merged over
// the default section (imei-specific keys win).
func (s *DeviceStore) Section(imei string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := map[string]interface{}{}
	for k, v := range s.doc[DefaultSection] {
		merged[k] = v
	}
	for k, v := range s.doc[imei] {
		merged[k] = v
	}
	return merged
}

// Set writes key into imei's section (use DefaultSection for the
// fallback section) and persists the store.
func (s *DeviceStore) Set(imei, key string, value interface{}) error {
	norm, err := Normalize(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.doc[imei]; !ok {
		s.doc[imei] = map[string]interface{}{}
	}
	s.doc[imei][key] = norm
	s.mu.Unlock()
	return s.Save()
}

// Normalize enforces that a configured value is either a scalar or a
// list whose elements are all the same underlying type (all integers or
// all strings). Mixed-type lists are rejected: a message field built
// from such a list would not round-trip through a single wire encoding.
func Normalize(value interface{}) (interface{}, error) {
	list, ok := value.([]interface{})
	if !ok {
		return value, nil
	}
	if len(list) == 0 {
		return list, nil
	}

	allInt := true
	allStr := true
	for _, v := range list {
		switch v.(type) {
		case int, int64, float64:
		default:
			allInt = false
		}
		if _, ok := v.(string); !ok {
			allStr = false
		}
	}
	if allInt {
		ints := make([]int64, len(list))
		for i, v := range list {
			switch n := v.(type) {
			case int:
				ints[i] = int64(n)
			case int64:
				ints[i] = n
			case float64:
				ints[i] = int64(n)
			}
		}
		return ints, nil
	}
	if allStr {
		strs := make([]string, len(list))
		for i, v := range list {
			strs[i] = v.(string)
		}
		return strs, nil
	}
	return nil, fmt.Errorf("deviceconfig: mixed-type list not allowed: %v", list)
}
