package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DocStore reads and writes the small keyed JSON documents kept next
// to the config (channels.json, skills.json, providers.json). Each
// document is a flat map of key to arbitrary JSON value.
type DocStore struct {
	dir string
}

// NewDocStore creates a store rooted at the data directory.
func NewDocStore(dataDir string) *DocStore {
	return &DocStore{dir: dataDir}
}

// Read returns the document, or an empty one if the file is missing.
func (s *DocStore) Read(name string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return doc, nil
}

// Set updates one key and writes the document back atomically.
func (s *DocStore) Set(name, key string, value any) error {
	doc, err := s.Read(name)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s.%s: %w", name, key, err)
	}
	doc[key] = raw
	return s.write(name, doc)
}

// Delete removes one key. Deleting a missing key is a no-op.
func (s *DocStore) Delete(name, key string) error {
	doc, err := s.Read(name)
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return s.write(name, doc)
}

func (s *DocStore) write(name string, doc map[string]json.RawMessage) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, s.path(name))
}

func (s *DocStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}
