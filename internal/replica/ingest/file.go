package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/replicasync/replica/internal/replica/schema"
	"github.com/replicasync/replica/internal/replica/snapshot"
)

// ErrBadFileName is returned for a file name not of the form
// {Class}--{id}.json.
var ErrBadFileName = errors.New("invalid object file name")

// FileName returns the file name for an object: {Class}--{id}.json.
func FileName(class, id string) string {
	return fmt.Sprintf("%s--%s.json", class, id)
}

// ParseFileName splits an object file name into class and ID.
func ParseFileName(name string) (class, id string, err error) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrBadFileName, name)
	}
	class, id, ok = strings.Cut(base, "--")
	if !ok || class == "" || id == "" {
		return "", "", fmt.Errorf("%w: %s", ErrBadFileName, name)
	}
	return class, id, nil
}

// ReadObjectFile reads an object file. The file holds the object's fields as
// a JSON object.
func ReadObjectFile(path string) (*snapshot.Record, error) {
	class, id, err := ParseFileName(filepath.Base(path))
	if err != nil {
		return nil, err
	}

	// #nosec G304 - path comes from the watched directory
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open object file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	fields := make(map[string]any)
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &snapshot.Record{Class: class, ID: id, Fields: fields}, nil
}

// WriteObjectFile writes o into dir atomically via a temp file. Computed
// fields are left out.
func WriteObjectFile(dir string, s *schema.Schema, o *schema.Object) error {
	c, err := s.MustClass(o.Class)
	if err != nil {
		return err
	}
	fields := make(map[string]any, len(o.Fields))
	for _, p := range c.Properties {
		if v, ok := o.Fields[p.Name]; ok && v != nil && p.Type != schema.TypeLinkingObjects {
			fields[p.Name] = v
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal object: %w", err)
	}

	path := filepath.Join(dir, FileName(o.Class, o.ID))
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ListObjectFiles returns the object files in dir, sorted by name.
func ListObjectFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, err := ParseFileName(e.Name()); err != nil {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
