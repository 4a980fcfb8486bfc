// Package flatfs stores transferred files as plain files in a directory.
//
// A FlatFS is used twice by a node: once over the source directory files are read from, and
// once over the downloads directory received files are written to.
package flatfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

var ErrFileIO = errors.New("file i/o failure")
var ErrInvalidName = errors.New("invalid file name")

type FlatFS struct {
	basePath string
	create   bool
}

// New opens a FlatFS at basePath. When create is set the directory is created on demand
// (at open time and again before each write), otherwise it must exist when read from.
func New(basePath string, create bool) (*FlatFS, error) {
	// Sanitize the basePath
	basePath = filepath.Clean(basePath)

	if create {
		if err := ensureDir(basePath); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFileIO, err)
		}
		log.Infof("Opened FlatFS at %s", basePath)
	}

	return &FlatFS{basePath: basePath, create: create}, nil
}

func (f *FlatFS) Path() string {
	return f.basePath
}

// ensureDir checks if a directory exists at the given path, and if not, creates it.
func ensureDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0755)
		}
		return err
	}
	if !stat.IsDir() {
		return &os.PathError{Op: "ensureDir", Path: path, Err: os.ErrExist}
	}
	return nil
}

// CleanName reduces a peer supplied file name to a single path element.
// Received names are never trusted to point outside the store.
func CleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

// namePath resolves a local file name relative to the store. Unlike CleanName it keeps
// subdirectories, but never escapes the base path.
func (f *FlatFS) namePath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	rel := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(f.basePath, rel), nil
}

// Read returns the content of the named file.
func (f *FlatFS) Read(name string) ([]byte, error) {
	path, err := f.namePath(name)
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileIO, err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrFileIO, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileIO, err)
	}
	return data, nil
}

// Write stores data under the cleaned base name of name and returns the full path written.
// An existing file with the same name is overwritten.
func (f *FlatFS) Write(name string, data []byte) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}

	if f.create {
		if err := ensureDir(f.basePath); err != nil {
			return "", fmt.Errorf("%w: %v", ErrFileIO, err)
		}
	}

	path := filepath.Join(f.basePath, clean)

	// Write into a temporary file first so a partially written file is never observed
	tmp, err := os.CreateTemp(f.basePath, "."+clean+".*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileIO, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrFileIO, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileIO, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileIO, err)
	}

	return path, nil
}

func (f *FlatFS) Has(name string) (bool, error) {
	path, err := f.namePath(name)
	if err != nil {
		return false, err
	}
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !stat.IsDir(), nil
}

// Enumerate lists the regular files at the top level of the store.
func (f *FlatFS) Enumerate() ([]string, error) {
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		if os.IsNotExist(err) && f.create {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrFileIO, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
