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

package outputlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/drasi-project/test-run-host/pkg/records"
)

const (
	jsonlSubdir            = "jsonl_file"
	jsonlFilePattern       = "outputs_%05d.jsonl"
	defaultMaxLinesPerFile = 10000
)

// JSONLFile appends one JSON object per record to rotating files
// outputs_00000.jsonl, outputs_00001.jsonl, … under <outputDir>/jsonl_file.
// A file is closed before the next one is opened, and no line is split
// across files.
type JSONLFile struct {
	dir          string
	maxLines     uint64
	fileIndex    int
	currentLines uint64
	file         *os.File
	writer       *bufio.Writer
	wrote        bool
}

func NewJSONLFile(outputDir string, maxLinesPerFile uint64) (*JSONLFile, error) {
	if maxLinesPerFile == 0 {
		maxLinesPerFile = defaultMaxLinesPerFile
	}
	dir := filepath.Join(outputDir, jsonlSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating jsonl output dir: %w", err)
	}
	return &JSONLFile{dir: dir, maxLines: maxLinesPerFile}, nil
}

func (l *JSONLFile) rotate() error {
	if err := l.closeCurrent(); err != nil {
		return err
	}
	path := filepath.Join(l.dir, fmt.Sprintf(jsonlFilePattern, l.fileIndex))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.fileIndex++
	l.currentLines = 0
	return nil
}

func (l *JSONLFile) closeCurrent() error {
	if l.file == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	l.writer = nil
	return err
}

func (l *JSONLFile) LogRecord(rec *records.HandlerRecord) error {
	if l.file == nil || l.currentLines >= l.maxLines {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	if _, err := l.writer.Write(line); err != nil {
		return err
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return err
	}
	l.currentLines++
	l.wrote = true
	return nil
}

func (l *JSONLFile) EndTestRun() (Result, error) {
	if err := l.closeCurrent(); err != nil {
		return Result{}, err
	}
	return Result{
		HasOutput:        l.wrote,
		LoggerName:       KindJSONLFile,
		OutputFolderPath: l.dir,
	}, nil
}
