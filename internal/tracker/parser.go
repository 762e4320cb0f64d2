// Package tracker discovers the agent CLI's transcript files on disk,
// parses them incrementally as they grow, and turns token usage into
// per-session context-percent metrics with hysteretic threshold alerts.
package tracker

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
)

// usageLine is the subset of a transcript record the tracker cares about.
// Lines without message.usage are skipped.
type usageLine struct {
	Message struct {
		Usage *tokenUsage `json:"usage"`
	} `json:"message"`
}

type tokenUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
}

// parseUsageLine extracts token usage from one JSON line. Malformed lines
// and lines without a usage block report ok=false; the caller skips them.
func parseUsageLine(line []byte) (tokenUsage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return tokenUsage{}, false
	}
	var rec usageLine
	if err := json.Unmarshal(line, &rec); err != nil {
		return tokenUsage{}, false
	}
	if rec.Message.Usage == nil {
		return tokenUsage{}, false
	}
	return *rec.Message.Usage, true
}

// fileCursor tracks how far into a transcript the tracker has read, plus
// any trailing partial line held for the next read.
type fileCursor struct {
	offset  int64
	partial []byte
}

// readNewLines returns the complete new lines since the cursor and advances
// it. A shrunken file (rotation or truncation) resets the cursor to zero
// and drops the held partial. IO errors leave the cursor unchanged.
func readNewLines(path string, cur *fileCursor) ([][]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() < cur.offset {
		cur.offset = 0
		cur.partial = nil
	}
	if info.Size() == cur.offset {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(cur.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cur.offset += int64(len(data))

	data = append(cur.partial, data...)
	cur.partial = nil

	lines := bytes.Split(data, []byte("\n"))
	// A buffer not ending in newline leaves a truncated trailing record;
	// hold it until the writer finishes the line.
	last := lines[len(lines)-1]
	if len(last) > 0 {
		cur.partial = append([]byte(nil), last...)
	}
	return lines[:len(lines)-1], nil
}
