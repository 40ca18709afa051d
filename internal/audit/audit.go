// Package audit verifies and exports the pipeline audit log.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// ErrMismatch reports that a run's log does not fold to its stored state.
var ErrMismatch = errors.New("audit log does not match stored projection")

// maxLineSize bounds a single JSONL entry. Stage results with large
// outputs are the biggest entries.
const maxLineSize = 10 * 1024 * 1024

// Report summarizes a verified run log.
type Report struct {
	RunID   string          `json:"run_id"`
	Entries int             `json:"entries"`
	LastSeq int64           `json:"last_seq"`
	Status  pipeline.Status `json:"status"`
	Gates   int             `json:"gates"`
	Records int             `json:"records"`
}

// Verify checks that entries form one run's gap-free sequence starting at
// 1, and that folding them reproduces stored. A nil stored skips the
// comparison.
func Verify(entries []pipeline.Entry, stored *pipeline.Projection) (*Report, error) {
	if len(entries) == 0 {
		return nil, pipeline.ErrUnknownRun
	}
	runID := entries[0].RunID
	for i, e := range entries {
		if e.RunID != runID {
			return nil, fmt.Errorf("entry %d belongs to run %s, not %s: %w", i, e.RunID, runID, pipeline.ErrSequence)
		}
		if e.Seq != int64(i+1) {
			return nil, fmt.Errorf("run %s: expected seq %d, found %d: %w", runID, i+1, e.Seq, pipeline.ErrSequence)
		}
	}

	replayed, err := pipeline.Replay(entries)
	if err != nil {
		return nil, fmt.Errorf("replay run %s: %w", runID, err)
	}

	if stored != nil {
		want, err := json.Marshal(stored)
		if err != nil {
			return nil, fmt.Errorf("encode stored projection: %w", err)
		}
		got, err := json.Marshal(replayed)
		if err != nil {
			return nil, fmt.Errorf("encode replayed projection: %w", err)
		}
		if !bytes.Equal(want, got) {
			return nil, fmt.Errorf("run %s at seq %d: %w", runID, replayed.Run.LastSeq, ErrMismatch)
		}
	}

	return &Report{
		RunID:   runID,
		Entries: len(entries),
		LastSeq: replayed.Run.LastSeq,
		Status:  replayed.Run.Status,
		Gates:   len(replayed.Gates),
		Records: len(replayed.Records),
	}, nil
}

// WriteJSONL writes one JSON entry per line.
func WriteJSONL(w io.Writer, entries []pipeline.Entry) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry %s/%d: %w", e.RunID, e.Seq, err)
		}
	}
	return bw.Flush()
}

// ReadJSONL reads entries written by WriteJSONL. Blank lines are skipped;
// any malformed line fails the whole read.
func ReadJSONL(r io.Reader) ([]pipeline.Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var entries []pipeline.Entry
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e pipeline.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning audit log: %w", err)
	}
	return entries, nil
}

// ByRun groups entries by run id, preserving order within each run.
func ByRun(entries []pipeline.Entry) map[string][]pipeline.Entry {
	out := make(map[string][]pipeline.Entry)
	for _, e := range entries {
		out[e.RunID] = append(out[e.RunID], e)
	}
	return out
}
