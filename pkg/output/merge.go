package output

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// MergeStats describes a completed merge.
type MergeStats struct {
	Parts     int
	Records   int
	Truncated int
	Corrupt   int
}

// Merge concatenates the valid records of parts, in the given order, into
// finalPath. The final file is written to a temp file, fsynced, and renamed
// into place. Part files are deleted only after the rename succeeds and
// only when keepParts is false.
func Merge(finalPath string, parts []string, keepParts bool) (*MergeStats, error) {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &WriteError{Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".merge-*.jsonl")
	if err != nil {
		return nil, &WriteError{Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	stats := &MergeStats{}
	bw := bufio.NewWriterSize(tmp, 256*1024)
	for _, part := range parts {
		pc, err := ReadPart(part)
		if err != nil {
			return nil, err
		}
		stats.Parts++
		stats.Records += len(pc.Lines)
		stats.Corrupt += pc.Corrupt
		if pc.Truncated {
			stats.Truncated++
		}
		for _, line := range pc.Lines {
			if err := writeFull(bw, append(line, '\n')); err != nil {
				return nil, &WriteError{Op: "write", Err: err}
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, &WriteError{Op: "flush", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return nil, &WriteError{Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, &WriteError{Op: "close", Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return nil, &WriteError{Op: "chmod", Err: err}
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return nil, &WriteError{Op: "rename", Err: err}
	}
	committed = true

	if !keepParts {
		for _, part := range parts {
			if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
				return stats, fmt.Errorf("remove part %s: %w", part, err)
			}
		}
	}
	return stats, nil
}

// PartName returns the file name of worker index i's part, e.g.
// final.part03.jsonl for i=3.
func PartName(i int) string {
	return fmt.Sprintf("final.part%02d.jsonl", i)
}

// FinalName is the merged dataset file name.
const FinalName = "final.jsonl"
