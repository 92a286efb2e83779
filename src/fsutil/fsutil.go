// Package fsutil provides the small set of filesystem helpers localcas
// needs: directory creation, atomic file writes, and existence checks.
package fsutil

import (
	"io"
	"os"
	"path/filepath"
)

// DirPermissions are the default permission bits applied to created directories.
const DirPermissions = os.ModeDir | 0775

// EnsureDir ensures the directory containing filename exists.
func EnsureDir(filename string) error {
	return os.MkdirAll(filepath.Dir(filename), DirPermissions)
}

// FileExists returns true if the given path exists and is not a directory.
func FileExists(filename string) bool {
	info, err := os.Lstat(filename)
	return err == nil && !info.IsDir()
}

// WriteFile writes data from r to the file named 'to' via a temp-file-then-
// rename, so a crash or concurrent reader never observes a partial file.
func WriteFile(r io.Reader, to string, mode os.FileMode) error {
	dir, file := filepath.Split(to)
	if dir != "" {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, file)
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0664
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return renameFile(tmp.Name(), to)
}

// renameFile attempts os.Rename first, falling back to a copy-then-remove
// if the rename fails. The fallback copy writes 'to' in place, so unlike
// the rename it is not atomic.
func renameFile(from, to string) error {
	if err := os.Rename(from, to); err == nil {
		return nil
	}
	if err := copyFile(from, to); err != nil {
		return err
	}
	return os.Remove(from)
}

func copyFile(from, to string) (err error) {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(to)
	if err != nil {
		return err
	}
	defer func() {
		if e := out.Close(); e != nil {
			err = e
		}
	}()
	_, err = io.Copy(out, in)
	return err
}
