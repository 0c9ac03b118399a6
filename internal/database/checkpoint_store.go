package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// checkpointDocument mirrors the file layout: binding -> domain -> source -> id.
type checkpointDocument map[string]map[string]map[string]int64

// FileCheckpointStore keeps checkpoints in a single YAML document.
// Every Set re-reads the whole file, changes one leaf and rewrites it, so
// external edits made between two writes are preserved. Writers are
// expected to be serialized by the caller.
type FileCheckpointStore struct {
	path string
}

// NewFileCheckpointStore creates a store backed by path. The file is created
// on the first Set.
func NewFileCheckpointStore(path string) *FileCheckpointStore {
	return &FileCheckpointStore{path: path}
}

// Path returns the backing file location.
func (s *FileCheckpointStore) Path() string {
	return s.path
}

// Get returns the last delivered post id, 0 if none is recorded.
func (s *FileCheckpointStore) Get(_ context.Context, binding, domain, source string) (int64, error) {
	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	id := doc[binding][domain][source]
	log.Printf("[Checkpoint %s/%s/%s] Last delivered post: %d", binding, domain, source, id)
	return id, nil
}

// Set stores id for the given key.
func (s *FileCheckpointStore) Set(ctx context.Context, binding, domain, source string, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := s.load()
	if err != nil {
		return err
	}
	if doc[binding] == nil {
		doc[binding] = map[string]map[string]int64{}
	}
	if doc[binding][domain] == nil {
		doc[binding][domain] = map[string]int64{}
	}
	doc[binding][domain][source] = id

	if err := s.save(doc); err != nil {
		return err
	}
	log.Printf("[Checkpoint %s/%s/%s] Advanced to post %d", binding, domain, source, id)
	return nil
}

// load reads the document. A missing or unparsable file yields an empty
// store; only real I/O failures are returned.
func (s *FileCheckpointStore) load() (checkpointDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return checkpointDocument{}, nil
		}
		return nil, fmt.Errorf("read checkpoint file %s: %w", s.path, err)
	}
	doc := checkpointDocument{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		log.Printf("[Checkpoint] Unparsable checkpoint file %s, treating as empty: %v", s.path, err)
		return checkpointDocument{}, nil
	}
	if doc == nil {
		doc = checkpointDocument{}
	}
	return doc, nil
}

// save writes to a sibling temp file and renames it over the original so a
// crash mid-write never leaves a truncated document.
func (s *FileCheckpointStore) save(doc checkpointDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint file: %w", err)
	}
	return nil
}
