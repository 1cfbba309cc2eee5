// Package fsx holds the durable file primitives shared by the ledger, the
// manifest writer and key generation.
package fsx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

const parentDirMode = 0o750

// WriteFileAtomic replaces path with content. Readers observe either the old
// bytes or the new bytes, never a partial write.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := ensureDir(dir); err != nil {
		return err
	}
	staged, err := stage(dir, filepath.Base(path), content, mode)
	if err != nil {
		return err
	}
	if err := swapInto(staged, path); err != nil {
		_ = os.Remove(staged)
		return err
	}
	syncDir(dir)
	return nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, parentDirMode); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return nil
}

// stage writes content to a synced sibling temp file and returns its path.
func stage(dir, base string, content []byte, mode os.FileMode) (string, error) {
	handle, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := handle.Name()
	fail := func(step string, cause error) (string, error) {
		_ = handle.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("%s temp file: %w", step, cause)
	}
	if _, err := handle.Write(content); err != nil {
		return fail("write", err)
	}
	if err := handle.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := handle.Chmod(mode); err != nil {
		return fail("chmod", err)
	}
	if err := handle.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return name, nil
}

// swapInto renames staged over target. Windows refuses to rename onto an
// existing file, so the target is removed first there.
func swapInto(staged, target string) error {
	err := os.Rename(staged, target)
	if err == nil {
		return nil
	}
	if runtime.GOOS != "windows" {
		return fmt.Errorf("rename temp file: %w", err)
	}
	if removeErr := os.Remove(target); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
		return fmt.Errorf("remove destination before rename: %w", removeErr)
	}
	if err := os.Rename(staged, target); err != nil {
		return fmt.Errorf("rename temp file after remove: %w", err)
	}
	return nil
}

func syncDir(dir string) {
	// #nosec G304 -- dir is the parent of a caller-chosen destination.
	handle, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = handle.Sync()
	_ = handle.Close()
}
