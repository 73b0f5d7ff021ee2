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

package freqctl

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// atomicOverwrite atomically creates/overwrites the cache-decision file at
// name with data: write to a scratch file in the same directory, then
// rename over the target, then fsync the directory. A crash at any point
// leaves either the old cache file or the new one, never a half-written one.
func atomicOverwrite(name string, data []byte) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}

	tmpName, err := createTemp(dir, data)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		return fmt.Errorf("rename %q to %q: %w", tmpName, name, err)
	}
	return syncDir(dir)
}

func createTemp(dir string, data []byte) (name string, err error) {
	try := 0
	var f *os.File
	for {
		name = filepath.Join(dir, ".freqctl-tmp-"+strconv.Itoa(int(rand.Int32())))
		f, err = os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, filePerm)
		if err == nil {
			break
		}
		if os.IsExist(err) {
			if try++; try < 10000 {
				continue
			}
			return "", &os.PathError{Op: "createtemp", Path: dir, Err: os.ErrExist}
		}
		return "", err
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	if n, werr := f.Write(data); werr != nil {
		return "", fmt.Errorf("write: %w", werr)
	} else if n < len(data) {
		return "", fmt.Errorf("short write: %d < %d", n, len(data))
	}
	return name, nil
}

func syncDir(d string) error {
	fd, err := os.Open(d)
	if err != nil {
		return fmt.Errorf("open dir %q: %w", d, err)
	}
	defer fd.Close()
	return fd.Sync()
}
