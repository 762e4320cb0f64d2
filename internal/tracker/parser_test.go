package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func usageJSON(in, out, cc, cr int64) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"usage":{"input_tokens":%d,"output_tokens":%d,"cache_creation_input_tokens":%d,"cache_read_input_tokens":%d}}}`,
		in, out, cc, cr)
}

func TestParseUsageLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want tokenUsage
		ok   bool
	}{
		{"usage line", usageJSON(100, 50, 10, 5), tokenUsage{100, 50, 10, 5}, true},
		{"no usage block", `{"type":"user","message":{"content":"hi"}}`, tokenUsage{}, false},
		{"malformed json", `{"type":"assistant","mess`, tokenUsage{}, false},
		{"empty line", "", tokenUsage{}, false},
		{"whitespace", "   \t ", tokenUsage{}, false},
		{"non-object", `42`, tokenUsage{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseUsageLine([]byte(tt.line))
			if ok != tt.ok || got != tt.want {
				t.Fatalf("parseUsageLine = %+v,%v; want %+v,%v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestReadNewLinesIncremental(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	cur := &fileCursor{}

	os.WriteFile(path, []byte("one\ntwo\n"), 0o644)
	lines, err := readNewLines(path, cur)
	if err != nil {
		t.Fatalf("readNewLines: %v", err)
	}
	if len(lines) != 2 || string(lines[0]) != "one" || string(lines[1]) != "two" {
		t.Fatalf("lines: %q", lines)
	}

	// Append: only the suffix comes back.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("three\n")
	f.Close()
	lines, _ = readNewLines(path, cur)
	if len(lines) != 1 || string(lines[0]) != "three" {
		t.Fatalf("appended lines: %q", lines)
	}

	// Nothing new.
	lines, _ = readNewLines(path, cur)
	if len(lines) != 0 {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestReadNewLinesHoldsPartialRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	cur := &fileCursor{}

	os.WriteFile(path, []byte(`{"half":`), 0o644)
	lines, _ := readNewLines(path, cur)
	if len(lines) != 0 {
		t.Fatalf("truncated record surfaced early: %q", lines)
	}

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("true}\n")
	f.Close()
	lines, _ = readNewLines(path, cur)
	if len(lines) != 1 || string(lines[0]) != `{"half":true}` {
		t.Fatalf("rejoined record: %q", lines)
	}
}

func TestReadNewLinesResetsOnShrink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	cur := &fileCursor{}

	os.WriteFile(path, []byte("aaaa\nbbbb\n"), 0o644)
	readNewLines(path, cur)

	// Rotation: the file is replaced by shorter content.
	os.WriteFile(path, []byte("cc\n"), 0o644)
	lines, err := readNewLines(path, cur)
	if err != nil {
		t.Fatalf("readNewLines after shrink: %v", err)
	}
	if len(lines) != 1 || string(lines[0]) != "cc" {
		t.Fatalf("post-rotation lines: %q", lines)
	}
}
