// Package snapshot exports a local store to JSONL and imports it back.
//
// Each line holds one object:
//
//	{"class":"Car","id":"1","fields":{"carId":1,"carYear":"2020","carOwners":["7"]}}
//
// Computed linkingObjects fields are never written. Import runs in two
// passes so that links may point at objects later in the file: first every
// object is written with its scalar fields, then links are set.
package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/schema"
)

// Record is one line of a snapshot.
type Record struct {
	Class  string         `json:"class"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// ExportResult counts exported objects per class.
type ExportResult struct {
	Objects int
	Classes map[string]int
}

// ImportOptions configures Import.
type ImportOptions struct {
	// BatchSize is the number of records per write transaction (default: 500)
	BatchSize int

	// DryRun validates records without writing
	DryRun bool
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Objects      int
	Links        int
	Transactions int
	Errors       []string
}

// Export writes every object in the store to w, one class at a time in
// schema order.
func Export(ctx context.Context, store *db.DB, w io.Writer) (*ExportResult, error) {
	result := &ExportResult{Classes: make(map[string]int)}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	s := store.Schema()
	for _, name := range s.ClassNames() {
		c, _ := s.Class(name)
		objects, err := store.Find(ctx, db.Query{Class: name})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		for _, o := range objects {
			if err := enc.Encode(toRecord(c, o)); err != nil {
				return nil, fmt.Errorf("failed to encode %s %s: %w", name, o.ID, err)
			}
			result.Classes[name]++
			result.Objects++
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	return result, nil
}

// ExportFile writes the snapshot to path atomically via a temp file.
func ExportFile(ctx context.Context, store *db.DB, path string) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	result, err := Export(ctx, store, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

func toRecord(c *schema.ObjectSchema, o *schema.Object) *Record {
	fields := make(map[string]any, len(o.Fields))
	for _, p := range c.Properties {
		if p.Type == schema.TypeLinkingObjects {
			continue
		}
		if v, ok := o.Fields[p.Name]; ok && v != nil {
			fields[p.Name] = v
		}
	}
	return &Record{Class: o.Class, ID: o.ID, Fields: fields}
}

// Read parses JSONL records. Numbers are kept as json.Number so integer
// keys survive the round trip.
func Read(r io.Reader) ([]*Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var records []*Record
	for line := 1; ; line++ {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", line, err)
		}
		if rec.Class == "" || rec.ID == "" {
			return nil, fmt.Errorf("record %d: class and id are required", line)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// ReadFile reads a snapshot file.
func ReadFile(path string) ([]*Record, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Import writes records into the store. A record that fails is reported in
// ImportResult.Errors and does not stop the import.
func Import(ctx context.Context, store *db.DB, records []*Record, opts ImportOptions) (*ImportResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	result := &ImportResult{}
	s := store.Schema()

	var scalars, links []*Record
	for _, rec := range records {
		c, ok := s.Class(rec.Class)
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", rec.Class, rec.ID, schema.ErrUnknownClass))
			continue
		}
		sc, ln := split(c, rec)
		scalars = append(scalars, sc)
		if ln != nil {
			links = append(links, ln)
		}
	}
	if opts.DryRun {
		result.Objects = len(scalars)
		for _, ln := range links {
			result.Links += len(ln.Fields)
		}
		return result, nil
	}

	failed := make(map[string]bool)
	n, err := writeBatches(ctx, store, scalars, opts.BatchSize, result, func(tx *db.Tx, rec *Record) (int, error) {
		if _, err := tx.Put(rec.Class, rec.ID, rec.Fields); err != nil {
			failed[rec.Class+"/"+rec.ID] = true
			return 0, err
		}
		return 1, nil
	})
	result.Objects = n
	if err != nil {
		return result, err
	}

	n, err = writeBatches(ctx, store, links, opts.BatchSize, result, func(tx *db.Tx, rec *Record) (int, error) {
		if failed[rec.Class+"/"+rec.ID] {
			return 0, nil
		}
		if _, err := tx.Put(rec.Class, rec.ID, rec.Fields); err != nil {
			return 0, err
		}
		return len(rec.Fields), nil
	})
	result.Links = n
	return result, err
}

// split separates the link fields of rec, which are written in the second
// pass. Computed fields are dropped.
func split(c *schema.ObjectSchema, rec *Record) (scalars, links *Record) {
	scalars = &Record{Class: rec.Class, ID: rec.ID, Fields: make(map[string]any)}
	for name, v := range rec.Fields {
		p, ok := c.Property(name)
		if ok && p.Type == schema.TypeLinkingObjects {
			continue
		}
		if ok && (p.Type == schema.TypeObject || p.Type == schema.TypeList) {
			if links == nil {
				links = &Record{Class: rec.Class, ID: rec.ID, Fields: make(map[string]any)}
			}
			links.Fields[name] = v
			continue
		}
		scalars.Fields[name] = v
	}
	return scalars, links
}

// writeBatches applies fn to records in transactions of size records and
// returns the sum of fn's counts over committed transactions. A failing
// record is reported and its batch is retried without it.
func writeBatches(ctx context.Context, store *db.DB, records []*Record, size int, result *ImportResult, fn func(*db.Tx, *Record) (int, error)) (int, error) {
	written := 0
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batch := records[start:end]

		for len(batch) > 0 {
			bad, count := -1, 0
			var badErr error
			_, err := store.Write(ctx, func(tx *db.Tx) error {
				count = 0
				for i, rec := range batch {
					n, err := fn(tx, rec)
					if err != nil {
						bad, badErr = i, err
						return err
					}
					count += n
				}
				return nil
			})
			if err == nil {
				written += count
				result.Transactions++
				break
			}
			if bad < 0 || ctx.Err() != nil {
				return written, fmt.Errorf("failed to write batch: %w", err)
			}
			rec := batch[bad]
			result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", rec.Class, rec.ID, badErr))
			batch = append(batch[:bad:bad], batch[bad+1:]...)
		}
	}
	return written, nil
}
