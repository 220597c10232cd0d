/*
Copyright 2025 The Drasi Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sources

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/drasi-project/test-run-host/pkg/records"
)

// ScriptReader lazily reads a recorded change-event script: one JSON object
// per line, in recorded order. The script is finite and restartable.
type ScriptReader struct {
	path    string
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

func OpenScript(path string) (*ScriptReader, error) {
	r := &ScriptReader{path: path}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ScriptReader) open() error {
	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("opening script %q: %w", r.path, err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	r.file = file
	r.scanner = scanner
	r.line = 0
	return nil
}

// Next returns the next event or io.EOF at the end of the script. Blank
// lines are skipped; a malformed line is an error carrying its line number.
func (r *ScriptReader) Next() (*records.SourceChangeEvent, error) {
	for r.scanner.Scan() {
		r.line++
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event records.SourceChangeEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("script %q line %d: %w", r.path, r.line, err)
		}
		return &event, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading script %q: %w", r.path, err)
	}
	return nil, io.EOF
}

// Reset rewinds the reader to the start of the script.
func (r *ScriptReader) Reset() error {
	if err := r.Close(); err != nil {
		return err
	}
	return r.open()
}

func (r *ScriptReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.scanner = nil
	return err
}
