package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// PartFileMode lets the host and container users both rewrite part files.
const PartFileMode os.FileMode = 0o666

// PartWriter appends result records to a worker part file. Every record is
// fsynced before Write returns, so a killed worker never loses a Change it
// already reported.
//
// PartWriter is safe for concurrent use.
type PartWriter struct {
	f      *os.File
	path   string
	mu     sync.Mutex
	count  int
	closed bool
}

// CreatePart creates (or truncates) the part file at path.
func CreatePart(path string) (*PartWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, PartFileMode)
	if err != nil {
		return nil, &WriteError{Op: "create", Err: err}
	}
	_ = os.Chmod(path, PartFileMode)
	return &PartWriter{f: f, path: path}, nil
}

// OpenPart opens an existing part file for appending, first discarding a
// trailing line that was cut off mid-write. A missing file is created.
func OpenPart(path string) (*PartWriter, error) {
	if err := trimPartialLine(path); err != nil {
		return nil, &WriteError{Op: "trim", Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, PartFileMode)
	if err != nil {
		return nil, &WriteError{Op: "open", Err: err}
	}
	return &PartWriter{f: f, path: path}, nil
}

// Path returns the part file path.
func (pw *PartWriter) Path() string {
	return pw.path
}

// Count returns the number of records written through this writer.
func (pw *PartWriter) Count() int {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.count
}

// Write appends rec as one line and syncs the file.
func (pw *PartWriter) Write(rec *ResultRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}
	data = append(data, '\n')

	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return ErrWriterClosed
	}
	if err := writeFull(pw.f, data); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	if err := pw.f.Sync(); err != nil {
		return &WriteError{Op: "sync", Err: err}
	}
	pw.count++
	return nil
}

// Close closes the part file.
func (pw *PartWriter) Close() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return nil
	}
	pw.closed = true
	return pw.f.Close()
}

// PartContents is the decoded content of a part file.
type PartContents struct {
	// Lines holds each valid record line without its newline.
	Lines [][]byte

	// Keys holds the Change key of each valid line, in file order.
	Keys []string

	// Truncated is set when the last line was cut off and discarded.
	Truncated bool

	// Corrupt counts complete lines that failed to decode and were dropped.
	Corrupt int
}

// Has reports whether a record for key is present.
func (pc *PartContents) Has(key string) bool {
	for _, k := range pc.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// ReadPart reads a part file. A missing file yields empty contents.
func ReadPart(path string) (*PartContents, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &PartContents{}, nil
		}
		return nil, fmt.Errorf("open part %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	pc := &PartContents{}
	br := bufio.NewReaderSize(f, 256*1024)
	for {
		line, err := br.ReadBytes('\n')
		complete := err == nil
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read part %s: %w", path, err)
		}

		body := bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(body)) > 0 {
			var rec ResultRecord
			switch decodeErr := json.Unmarshal(body, &rec); {
			case decodeErr == nil:
				pc.Lines = append(pc.Lines, append([]byte(nil), body...))
				pc.Keys = append(pc.Keys, rec.Key())
			case !complete:
				pc.Truncated = true
			default:
				pc.Corrupt++
			}
		}
		if !complete {
			return pc, nil
		}
	}
}

// trimPartialLine truncates path after its last newline.
func trimPartialLine(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	return os.Truncate(path, int64(keep))
}
