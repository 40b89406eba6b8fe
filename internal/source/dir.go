// Package source reads raw records exported by the scraping collaborator.
//
// Exports live under one directory per record kind:
//
//	<root>/invoices/INV-1001.json
//	<root>/return-notes/RN-010125XYZ.yaml
//	<root>/return-notes/batch-2025-01-04.jsonl
//
// A .json, .yaml or .yml file holds one record and is named after its id, so
// records already synced are skipped without opening their file. A .jsonl
// file holds one record per line.
package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/parcelsync/parcelsync/internal/reconcile"
	"github.com/parcelsync/parcelsync/internal/record"
)

// maxLineSize bounds one JSONL line.
const maxLineSize = 4 << 20

// Extensions lists the file extensions the source reads.
var Extensions = []string{".json", ".yaml", ".yml", ".jsonl"}

// IsExport reports whether name has a supported export extension.
func IsExport(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// DirSource reads exports from a directory tree. It implements
// reconcile.Source.
type DirSource struct {
	root   string
	logger logrus.FieldLogger
}

// NewDirSource returns a source rooted at root. If logger is nil, a default
// logger writing to stderr is used.
func NewDirSource(root string, logger logrus.FieldLogger) *DirSource {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		logger = l
	}
	return &DirSource{root: root, logger: logger}
}

// Dir returns the export directory of kind.
func (s *DirSource) Dir(kind record.Kind) string {
	return filepath.Join(s.root, kind.Dir)
}

// FetchCandidates implements reconcile.Source. A missing kind directory is
// an empty batch. Unreadable or invalid files become ExtractionErrors in
// the batch; only a failure to list the directory fails the fetch.
func (s *DirSource) FetchCandidates(ctx context.Context, kind record.Kind, exclude map[string]struct{}) (reconcile.Batch, error) {
	var batch reconcile.Batch
	dir := s.Dir(kind)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return batch, nil // Empty directory is valid
		}
		return batch, fmt.Errorf("failed to read export directory %s: %w", dir, err)
	}

	log := s.logger.WithField("kind", kind.Name)
	excluded := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if entry.IsDir() || !IsExport(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		ext := strings.ToLower(filepath.Ext(entry.Name()))

		if ext == ".jsonl" {
			records, failures := readJSONL(kind, path)
			for _, r := range records {
				if _, skip := exclude[strings.TrimSpace(r.ID)]; skip {
					excluded++
					continue
				}
				batch.Records = append(batch.Records, r)
			}
			batch.Failures = append(batch.Failures, failures...)
			continue
		}

		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if _, skip := exclude[id]; skip {
			excluded++
			continue
		}

		raw, err := readRecordFile(kind, path, id)
		if err != nil {
			batch.Failures = append(batch.Failures, err)
			continue
		}
		batch.Records = append(batch.Records, raw)
	}

	log.WithFields(logrus.Fields{
		"candidates": len(batch.Records),
		"excluded":   excluded,
		"failures":   len(batch.Failures),
	}).Debug("Export directory scanned")
	return batch, nil
}

func readRecordFile(kind record.Kind, path, id string) (record.RawRecord, error) {
	var raw record.RawRecord
	fail := func(err error) (record.RawRecord, error) {
		return record.RawRecord{}, &ExtractionError{Kind: kind.Name, RecordID: id, Path: path, Err: err}
	}

	// #nosec G304 - path comes from listing the export directory
	data, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Errorf("failed to read export: %w", err))
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return fail(fmt.Errorf("failed to parse export: %w", err))
	}

	switch strings.TrimSpace(raw.ID) {
	case "":
		raw.ID = id
	case id:
	default:
		return fail(fmt.Errorf("record id %q does not match file name", raw.ID))
	}
	return raw, nil
}

func readJSONL(kind record.Kind, path string) ([]record.RawRecord, []error) {
	// #nosec G304 - path comes from listing the export directory
	f, err := os.Open(path)
	if err != nil {
		return nil, []error{&ExtractionError{Kind: kind.Name, Path: path, Err: fmt.Errorf("failed to open export: %w", err)}}
	}
	defer f.Close()

	var (
		records  []record.RawRecord
		failures []error
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var raw record.RawRecord
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			failures = append(failures, &ExtractionError{Kind: kind.Name, Path: path, Line: line, Err: fmt.Errorf("invalid JSON: %w", err)})
			continue
		}
		if strings.TrimSpace(raw.ID) == "" {
			failures = append(failures, &ExtractionError{Kind: kind.Name, Path: path, Line: line, Err: errors.New("record without id")})
			continue
		}
		records = append(records, raw)
	}
	if err := scanner.Err(); err != nil {
		failures = append(failures, &ExtractionError{Kind: kind.Name, Path: path, Line: line + 1, Err: err})
	}
	return records, failures
}
