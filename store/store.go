// Package store persists the artifacts of the translation pipeline (vocabularies, prepared
// datasets, parameter snapshots, training histories and reports) in a directory tree, keyed by
// language pair and split (or run) name.
//
// Writes go to a temporary file that is atomically renamed into place, under a file lock, so that
// concurrent processes never see or produce partially written artifacts.
//
// Example:
//
//	s, err := store.New("~/nmt")
//	if err != nil {
//		panic(err)
//	}
//	err = s.Save(ctx, store.Key{Pair: "vi-en", Split: "train", Kind: store.KindVocabulary}, srcVocab)
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-nmt/config"
	"github.com/gomlx/go-nmt/corpus"
	"github.com/gomlx/go-nmt/internal/files"
	"github.com/gomlx/go-nmt/models/safetensors"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// DefaultDirCreationPerm is used when creating new directories in the store.
const DefaultDirCreationPerm = 0755

// Kind of artifact. It defines the file format.
type Kind string

const (
	KindVocabulary Kind = "vocab"   // JSON.
	KindDataset    Kind = "dataset" // Parquet, see corpus.Dataset.
	KindParams     Kind = "params"  // Safetensors, see Params.
	KindHistory    Kind = "history" // JSON.
	KindReport     Kind = "report"  // Plain text.
	KindConfig     Kind = "config"  // YAML, see config.Config.
)

var kindExtensions = map[Kind]string{
	KindVocabulary: ".vocab.json",
	KindDataset:    ".dataset.parquet",
	KindParams:     ".params.safetensors",
	KindHistory:    ".history.json",
	KindReport:     ".report.txt",
	KindConfig:     ".config.yaml",
}

// Key identifies an artifact.
type Key struct {
	// Pair is the language pair, e.g. "vi-en".
	Pair string
	// Split is the dataset split ("train", "validation", "test") or the run name for artifacts of a
	// training run.
	Split string
	Kind  Kind
}

// String returns the path of the artifact relative to the store directory.
func (k Key) String() string {
	return filepath.Join(k.Pair, k.Split+kindExtensions[k.Kind])
}

func (k Key) validate() error {
	if _, found := kindExtensions[k.Kind]; !found {
		return errors.Errorf("unknown artifact kind %q", k.Kind)
	}
	for _, part := range []string{k.Pair, k.Split} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return errors.Errorf("invalid artifact key %+v", k)
		}
	}
	return nil
}

// Store of artifacts rooted at a directory.
type Store struct {
	Dir string
}

// New creates a Store rooted at dir, creating the directory if needed. A leading "~" is replaced
// by the user's home directory.
func New(dir string) (*Store, error) {
	dir = files.ReplaceTildeInDir(dir)
	if err := os.MkdirAll(dir, DefaultDirCreationPerm); err != nil {
		return nil, errors.Wrapf(err, "failed to create store directory %q", dir)
	}
	return &Store{Dir: dir}, nil
}

// Path returns the file path of the artifact.
func (s *Store) Path(key Key) string {
	return filepath.Join(s.Dir, key.String())
}

// Exists returns whether the artifact has been saved.
func (s *Store) Exists(key Key) bool {
	return key.validate() == nil && files.Exists(s.Path(key))
}

// Write creates or replaces the artifact with the contents written by fn.
//
// fn writes to a temporary file, which is moved to the artifact path only if fn succeeds. It
// uses a temporary path+".lock" file to coordinate multiple processes writing the same artifact.
func (s *Store) Write(ctx context.Context, key Key, fn func(w io.Writer) error) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(filePath), DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}

	lockPath := filePath + ".lock"
	err := execOnFileLock(ctx, lockPath, func() error {
		tmpPath := filePath + ".writing"
		tmpFile, err := os.Create(tmpPath)
		if err != nil {
			return errors.Wrapf(err, "creating temporary file %q", tmpPath)
		}
		var tmpFileClosed bool
		defer func() {
			// On error, make sure to close and remove the unfinished temporary file.
			if !tmpFileClosed {
				if err := tmpFile.Close(); err != nil {
					klog.Errorf("Failed closing temporary file %q: %v", tmpPath, err)
				}
				if err := os.Remove(tmpPath); err != nil {
					klog.Errorf("Failed removing temporary file %q: %v", tmpPath, err)
				}
			}
		}()

		w := bufio.NewWriter(tmpFile)
		if err := fn(w); err != nil {
			return errors.WithMessagef(err, "while writing %s", key)
		}
		if err := w.Flush(); err != nil {
			return errors.Wrapf(err, "failed to write %q", tmpPath)
		}
		tmpFileClosed = true
		if err := tmpFile.Close(); err != nil {
			_ = os.Remove(tmpPath)
			return errors.Wrapf(err, "failed to close temporary file %q", tmpPath)
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			_ = os.Remove(tmpPath)
			return errors.Wrapf(err, "failed to move %q to %q", tmpPath, filePath)
		}
		return nil
	})
	if err != nil {
		return err
	}
	klog.V(1).Infof("saved %s", filePath)
	return nil
}

// Params is a parameter snapshot: the tensors and the metadata needed to interpret them.
type Params struct {
	Tensors  []safetensors.TensorAndName
	Metadata map[string]string
}

// Save writes v as the artifact of the given key, in the format of its Kind:
//
//   - KindVocabulary, KindHistory: any value that marshals to JSON.
//   - KindDataset: *corpus.Dataset.
//   - KindParams: *Params.
//   - KindConfig: *config.Config.
//   - KindReport: a string or a fmt.Stringer.
func (s *Store) Save(ctx context.Context, key Key, v any) error {
	var fn func(w io.Writer) error
	switch key.Kind {
	case KindVocabulary, KindHistory:
		fn = func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return errors.Wrap(enc.Encode(v), "failed to encode JSON")
		}
	case KindDataset:
		ds, ok := v.(*corpus.Dataset)
		if !ok {
			return errors.Errorf("%s must be saved from a *corpus.Dataset, got %T", key, v)
		}
		fn = ds.WriteParquet
	case KindParams:
		params, ok := v.(*Params)
		if !ok {
			return errors.Errorf("%s must be saved from a *store.Params, got %T", key, v)
		}
		fn = func(w io.Writer) error {
			return safetensors.Write(w, params.Tensors, params.Metadata)
		}
	case KindConfig:
		cfg, ok := v.(*config.Config)
		if !ok {
			return errors.Errorf("%s must be saved from a *config.Config, got %T", key, v)
		}
		fn = func(w io.Writer) error {
			return errors.Wrap(yaml.NewEncoder(w).Encode(cfg), "failed to encode YAML")
		}
	case KindReport:
		var text string
		switch t := v.(type) {
		case string:
			text = t
		case fmt.Stringer:
			text = t.String()
		default:
			return errors.Errorf("%s must be saved from a string or a fmt.Stringer, got %T", key, v)
		}
		fn = func(w io.Writer) error {
			_, err := io.WriteString(w, text)
			return errors.WithStack(err)
		}
	default:
		return errors.Errorf("unknown artifact kind %q", key.Kind)
	}
	return s.Write(ctx, key, fn)
}

// Load reads the artifact of the given key into v, which must be a pointer of the type accepted
// by Save: *corpus.Dataset for KindDataset, *config.Config for KindConfig, *string for KindReport
// and any JSON unmarshalable value for KindVocabulary and KindHistory.
//
// Parameter snapshots are memory-mapped instead, see OpenParams.
func (s *Store) Load(key Key, v any) error {
	if err := key.validate(); err != nil {
		return err
	}
	filePath := s.Path(key)
	if !files.Exists(filePath) {
		return errors.Errorf("artifact %s not found in %q", key, s.Dir)
	}
	switch key.Kind {
	case KindVocabulary, KindHistory:
		data, err := os.ReadFile(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read %q", filePath)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return errors.Wrapf(err, "failed to decode %q", filePath)
		}
	case KindDataset:
		ds, ok := v.(*corpus.Dataset)
		if !ok {
			return errors.Errorf("%s must be loaded into a *corpus.Dataset, got %T", key, v)
		}
		loaded, err := corpus.ReadParquet(filePath)
		if err != nil {
			return err
		}
		*ds = *loaded
	case KindConfig:
		cfg, ok := v.(*config.Config)
		if !ok {
			return errors.Errorf("%s must be loaded into a *config.Config, got %T", key, v)
		}
		loaded, err := config.Load(filePath)
		if err != nil {
			return err
		}
		*cfg = *loaded
	case KindReport:
		text, ok := v.(*string)
		if !ok {
			return errors.Errorf("%s must be loaded into a *string, got %T", key, v)
		}
		data, err := os.ReadFile(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read %q", filePath)
		}
		*text = string(data)
	case KindParams:
		return errors.Errorf("%s: parameter snapshots are opened with OpenParams", key)
	}
	return nil
}

// OpenParams memory-maps a parameter snapshot. The caller must close it.
func (s *Store) OpenParams(key Key) (*safetensors.File, error) {
	if key.Kind != KindParams {
		return nil, errors.Errorf("%s is not a parameter snapshot", key)
	}
	if err := key.validate(); err != nil {
		return nil, err
	}
	return safetensors.Open(s.Path(key))
}
