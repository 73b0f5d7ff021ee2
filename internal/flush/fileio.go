// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flush

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const dirPerm = 0o755

// DefaultWriteAt opens path (creating it and its parent directories if
// necessary) and writes data at the given offset. It does not fsync; that
// happens in bulk during Fsync, once per commit rather than once per job.
func DefaultWriteAt(path string, offset int64, data []byte) error {
	dir := filepath.Dir(path)
	if err := mkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("flush: create directory %q: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("flush: open %q: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("flush: write %q at %d: %w", path, offset, err)
	}
	return nil
}

// Fsync fsyncs path's contents (and, best-effort, its parent directory) so
// that a prior DefaultWriteAt is durable. This is the "commit additionally
// fsyncs" half of spec §4.B.
func Fsync(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("flush: open %q for fsync: %w", path, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flush: fsync %q: %w", path, err)
	}
	return syncDir(filepath.Dir(path))
}

// syncDir fsyncs a directory so that a prior create/rename within it is durable.
func syncDir(d string) error {
	fd, err := os.Open(d)
	if err != nil {
		return fmt.Errorf("flush: open dir %q: %w", d, err)
	}
	defer fd.Close()
	return fd.Sync()
}

// mkdirAll is a reimplementation of os.MkdirAll that fsyncs each parent
// directory it creates, so that a crash right after cannot lose the
// directory entry for a checkpoint file that was itself fsynced.
func mkdirAll(name string, perm os.FileMode) error {
	name = strings.TrimSuffix(name, string(filepath.Separator))
	if name == "" {
		return nil
	}
	dir, _ := filepath.Split(name)
	di, err := os.Lstat(name)
	switch {
	case errors.Is(err, syscall.ENOENT):
		if dir != "" {
			if err := mkdirAll(dir, perm); err != nil {
				return err
			}
		}
		fallthrough
	case errors.Is(err, os.ErrNotExist):
		if err := os.Mkdir(name, perm); err != nil {
			if os.IsExist(err) {
				return nil
			}
			return fmt.Errorf("%q: %w", name, err)
		}
		if dir == "" {
			return nil
		}
		return syncDir(dir)
	case err != nil:
		return fmt.Errorf("lstat %q: %w", name, err)
	case !di.IsDir():
		return fmt.Errorf("%s is not a directory", name)
	default:
		return nil
	}
}
