/*
 * Copyright (c) 2025, Intel Corporation.  All Rights Reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package helpers

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

var (
	TestSysfsRoot = AddRandomString("/tmp/sysfsroot")
	TestDevfsRoot = AddRandomString("/tmp/devfsroot")
)

func WriteFile(filePath string, fileContents string) error {
	fhandle, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("could not create file %v: %v", filePath, err)
	}

	if _, err = fhandle.WriteString(fileContents); err != nil {
		return fmt.Errorf("could not write to file %v: %v", filePath, err)
	}

	if err := fhandle.Close(); err != nil {
		return fmt.Errorf("could not close file %v: %v", filePath, err)
	}

	return nil
}

// WriteFileAtomic replaces filePath with contents through a synced temporary
// file in the same directory, so readers see either the old or the new file.
// Returns false without touching the file when contents are unchanged.
func WriteFileAtomic(filePath string, contents []byte, perm os.FileMode) (bool, error) {
	if existing, err := os.ReadFile(filePath); err == nil && bytes.Equal(existing, contents) {
		return false, nil
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return false, fmt.Errorf("could not create directory %v: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filePath)+".*")
	if err != nil {
		return false, fmt.Errorf("could not create temporary file in %v: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(contents); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("could not write %v: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("could not sync %v: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("could not close %v: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return false, fmt.Errorf("could not chmod %v: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return false, fmt.Errorf("could not replace %v: %w", filePath, err)
	}

	return true, nil
}

func AddRandomString(str string) string {
	b := make([]byte, 4)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf(str+"_%s", hex.EncodeToString(b))
}
