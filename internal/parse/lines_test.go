package parse

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.jsonl")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadNewLinesFromStart(t *testing.T) {
	path := writeFile(t, "one\ntwo\nthree\n")

	lines, offset, err := ReadNewLines(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if string(lines[0]) != "one" || string(lines[2]) != "three" {
		t.Errorf("unexpected lines: %q", lines)
	}
	if offset != int64(len("one\ntwo\nthree\n")) {
		t.Errorf("offset = %d", offset)
	}
}

func TestReadNewLinesPartialTrailing(t *testing.T) {
	path := writeFile(t, "complete\npartial")

	lines, offset, err := ReadNewLines(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || string(lines[0]) != "complete" {
		t.Fatalf("got %q, want only the complete line", lines)
	}
	if offset != int64(len("complete\n")) {
		t.Errorf("offset = %d, want %d (partial line unconsumed)", offset, len("complete\n"))
	}

	// Writer finishes the line; next read picks it up from the offset.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(" now done\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	lines, _, err = ReadNewLines(path, offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || string(lines[0]) != "partial now done" {
		t.Errorf("second read = %q", lines)
	}
}

func TestReadNewLinesIncremental(t *testing.T) {
	path := writeFile(t, "a\nb\n")

	_, offset, err := ReadNewLines(path, 0)
	if err != nil {
		t.Fatal(err)
	}

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString("c\n")
	f.Close()

	lines, _, err := ReadNewLines(path, offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || string(lines[0]) != "c" {
		t.Errorf("incremental read = %q, want [c]", lines)
	}
}

func TestReadNewLinesRewindsOnTruncation(t *testing.T) {
	path := writeFile(t, "aaaaaaaaaa\nbbbbbbbbbb\n")

	_, offset, err := ReadNewLines(path, 0)
	if err != nil {
		t.Fatal(err)
	}

	// File rotated: replaced with shorter content.
	if err := os.WriteFile(path, []byte("new\n"), 0644); err != nil {
		t.Fatal(err)
	}

	lines, newOffset, err := ReadNewLines(path, offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || string(lines[0]) != "new" {
		t.Errorf("post-truncation read = %q, want [new]", lines)
	}
	if newOffset != 4 {
		t.Errorf("post-truncation offset = %d, want 4", newOffset)
	}
}

func TestReadNewLinesMissingFile(t *testing.T) {
	_, _, err := ReadNewLines(filepath.Join(t.TempDir(), "gone.jsonl"), 0)
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReadFirstLines(t *testing.T) {
	path := writeFile(t, "1\n2\n3\n4\n5\n")

	lines, offset, err := ReadFirstLines(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if string(lines[2]) != "3" {
		t.Errorf("third line = %q", lines[2])
	}
	if offset != 6 {
		t.Errorf("offset = %d, want 6", offset)
	}

	// The remainder reads incrementally from that offset.
	rest, _, err := ReadNewLines(path, offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || string(rest[0]) != "4" {
		t.Errorf("rest = %q", rest)
	}
}

func TestReadFirstLinesShortFile(t *testing.T) {
	path := writeFile(t, "only\n")
	lines, _, err := ReadFirstLines(path, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Errorf("got %d lines, want 1", len(lines))
	}
}

func TestReadLastLines(t *testing.T) {
	path := writeFile(t, "1\n2\n3\n4\n5\n")

	lines, err := ReadLastLines(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	// Oldest first.
	if string(lines[0]) != "3" || string(lines[2]) != "5" {
		t.Errorf("tail lines = %q", lines)
	}
}

func TestReadLastLinesFewerThanRequested(t *testing.T) {
	path := writeFile(t, "a\nb\n")
	lines, err := ReadLastLines(path, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Errorf("got %d lines, want 2", len(lines))
	}
}
