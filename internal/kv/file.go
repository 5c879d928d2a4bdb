// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

package kv

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/jessehall/vaultchat/internal/util"
)

// FileStore keeps one file per entry under a base directory. Writes go
// through an atomic rename so a crash never leaves a partial entry.
type FileStore struct {
	baseDir string
}

// NewFileStore creates the base directory if needed and returns the store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating storage directory")
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Get implements Store.
func (s *FileStore) Get(name string) ([]byte, bool, error) {
	if !validName(name) {
		return nil, false, errors.Wrap(ErrInvalidName, name)
	}
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "reading entry")
	}
	return data, true, nil
}

// Set implements Store.
func (s *FileStore) Set(name string, data []byte) error {
	if !validName(name) {
		return errors.Wrap(ErrInvalidName, name)
	}
	return util.AtomicWriteFile(s.path(name), data, 0o600)
}

// Delete implements Store.
func (s *FileStore) Delete(name string) error {
	if !validName(name) {
		return errors.Wrap(ErrInvalidName, name)
	}
	err := os.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "deleting entry")
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(name string) string {
	return filepath.Join(s.baseDir, name+".dat")
}
