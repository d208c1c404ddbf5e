// Copyright 2024 The llmbatch Authors.
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

package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateDirIfNotExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "deeper")

	if err := CreateDirIfNotExists(dir); err != nil {
		t.Fatalf("CreateDirIfNotExists failed: %v", err)
	}
	stat, err := os.Stat(dir)
	if err != nil || !stat.IsDir() {
		t.Fatalf("Expected directory at %s", dir)
	}

	// Idempotent on an existing directory.
	if err := CreateDirIfNotExists(dir); err != nil {
		t.Errorf("CreateDirIfNotExists on existing dir failed: %v", err)
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "present.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	exists, err := FileExists(path)
	if err != nil || !exists {
		t.Errorf("FileExists(%s) = %v, %v; want true, nil", path, exists, err)
	}

	exists, err = FileExists(filepath.Join(dir, "absent.txt"))
	if err != nil || exists {
		t.Errorf("FileExists(absent) = %v, %v; want false, nil", exists, err)
	}

	// A directory is not a regular file.
	exists, err = FileExists(dir)
	if err != nil || exists {
		t.Errorf("FileExists(dir) = %v, %v; want false, nil", exists, err)
	}
}
