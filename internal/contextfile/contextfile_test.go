package contextfile

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"agentbox/internal/apperror"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "context.txt")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestOpenAndSize(t *testing.T) {
	p := writeTemp(t, "line one\nline two\nline three\n")
	h, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	if h.Size() != int64(len("line one\nline two\nline three\n")) {
		t.Fatalf("unexpected size: %d", h.Size())
	}
}

func TestOpenRejectsBinary(t *testing.T) {
	content := string([]byte{0x00, 0x01, 0x02, 0x03}) + "garbage"
	p := writeTemp(t, content)
	_, err := Open(p)
	if err == nil {
		t.Fatal("expected binary rejection error")
	}
	var appErr *apperror.Error
	if !asApperror(err, &appErr) || appErr.Kind.Kind != apperror.KindContextBinary {
		t.Fatalf("expected ContextBinary error, got %v", err)
	}
}

func asApperror(err error, target **apperror.Error) bool {
	e, ok := err.(*apperror.Error)
	if ok {
		*target = e
	}
	return ok
}

func TestOpenNotFound(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.txt"))
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestReadClamping(t *testing.T) {
	p := writeTemp(t, "0123456789")
	h, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if got := h.Read(-5, 3); got != "012" {
		t.Fatalf("expected clamped read from 0, got %q", got)
	}
	if got := h.Read(8, 100); got != "89" {
		t.Fatalf("expected clamped read to size, got %q", got)
	}
}

func TestSearchBounded(t *testing.T) {
	p := writeTemp(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	h, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	results := h.Search(regexp.MustCompile("a"), 100)
	if len(results) != 10 {
		t.Fatalf("expected hard cap of 10 results, got %d", len(results))
	}
}

func TestSearchLinesAndContext(t *testing.T) {
	p := writeTemp(t, "alpha\nbeta\nsecret sentence here\ndelta\nepsilon\n")
	h, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	results := h.SearchLines(regexp.MustCompile("secret"), 10)
	if len(results) != 1 {
		t.Fatalf("expected 1 match, got %d", len(results))
	}
	if results[0].LineNumber != 3 {
		t.Fatalf("expected line 3, got %d", results[0].LineNumber)
	}
}

func TestIterateLinesRestartable(t *testing.T) {
	p := writeTemp(t, "one\ntwo\nthree\n")
	h, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	next := h.IterateLines(1)
	var first []string
	for {
		e, ok := next()
		if !ok {
			break
		}
		first = append(first, e.LineText)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(first))
	}

	next2 := h.IterateLines(2)
	e, ok := next2()
	if !ok || e.LineText != "two" {
		t.Fatalf("expected restart at line 2 to yield 'two', got %+v ok=%v", e, ok)
	}
}

func TestHeadTail(t *testing.T) {
	p := writeTemp(t, "l1\nl2\nl3\nl4\nl5\n")
	h, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if got := h.Head(2); got != "l1\nl2" {
		t.Fatalf("unexpected head: %q", got)
	}
	if got := h.Tail(2); got != "l4\nl5" {
		t.Fatalf("unexpected tail: %q", got)
	}
}

func TestShinglesNonEmpty(t *testing.T) {
	p := writeTemp(t, "the quick brown fox jumps over the lazy dog repeatedly")
	h, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	set := h.Shingles()
	if len(set) == 0 {
		t.Fatal("expected non-empty shingle set")
	}
}

func TestEmptyFile(t *testing.T) {
	p := writeTemp(t, "")
	h, err := Open(p)
	if err != nil {
		t.Fatalf("Open on empty file: %v", err)
	}
	defer h.Close()
	if h.Size() != 0 {
		t.Fatalf("expected size 0, got %d", h.Size())
	}
	if got := h.Read(0, 10); got != "" {
		t.Fatalf("expected empty read, got %q", got)
	}
}
