// Package contextfile implements the Context Handle: a read-only,
// memory-mapped view over a single host file, exposed to untrusted sandbox
// code only through the narrow search/snippet/read-window API below. No
// method ever returns a writable alias into the mapped region; every read
// is bounds-clamped and copies owned bytes out of the mapping.
package contextfile

import (
	"os"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/edsrzf/mmap-go"

	"agentbox/internal/apperror"
	"agentbox/internal/entropy"
)

const (
	binaryScanWindow     = 8 * 1024
	binaryControlRatio   = 0.30
	defaultMaxResults    = 10
	fingerprintShingle   = 5
	fingerprintStride    = 4096
	fingerprintSample    = 512
	fingerprintMaxShingl = 20000
)

// Handle is a scoped resource: Open acquires the mapping, Close releases it
// unconditionally. Callers must Close on every exit path, including panic
// recovery and cancellation.
type Handle struct {
	path string
	file *os.File
	data mmap.MMap
	size int64

	mu        sync.Mutex
	shingles  map[string]struct{}
	haveFinge bool
}

// Open maps path read-only and rejects it if the first 8 KiB look binary.
func Open(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperror.ContextNotFound(path, err)
		}
		return nil, apperror.ContextNotFound(path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, apperror.ContextNotFound(path, err)
	}

	if info.Size() == 0 {
		// mmap of a zero-length file fails on most platforms; treat as an
		// empty, non-binary handle with no backing mapping.
		return &Handle{path: path, file: f, data: nil, size: 0, shingles: map[string]struct{}{}, haveFinge: true}, nil
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, apperror.ContextNotFound(path, err)
	}

	if looksBinary(data) {
		data.Unmap()
		f.Close()
		return nil, apperror.ContextBinary(path)
	}

	return &Handle{path: path, file: f, data: data, size: info.Size()}, nil
}

func looksBinary(data mmap.MMap) bool {
	n := len(data)
	if n > binaryScanWindow {
		n = binaryScanWindow
	}
	window := data[:n]
	if n == 0 {
		return false
	}
	control := 0
	for _, b := range window {
		if b == 0 {
			return true
		}
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			control++
		}
	}
	return float64(control)/float64(n) > binaryControlRatio
}

// Close unmaps the region and releases the file descriptor. Safe to call
// more than once.
func (h *Handle) Close() error {
	if h.data != nil {
		_ = h.data.Unmap()
		h.data = nil
	}
	if h.file != nil {
		err := h.file.Close()
		h.file = nil
		return err
	}
	return nil
}

// Size returns the total byte size of the underlying file.
func (h *Handle) Size() int64 { return h.size }

func (h *Handle) clamp(start, length int64) (int64, int64) {
	if start < 0 {
		start = 0
	}
	if start > h.size {
		start = h.size
	}
	end := start + length
	if end > h.size || length < 0 {
		end = h.size
	}
	if end < start {
		end = start
	}
	return start, end
}

// Read returns the decoded text of [start, start+length), clamped to the
// file bounds. Undecodable bytes are replaced (utf8.RuneError policy via
// strings.ToValidUTF8).
func (h *Handle) Read(start, length int64) string {
	s, e := h.clamp(start, length)
	if h.data == nil || s >= e {
		return ""
	}
	raw := make([]byte, e-s)
	copy(raw, h.data[s:e])
	return strings.ToValidUTF8(string(raw), "�")
}

// ReadWindow returns the text within radius bytes of offset on either side.
func (h *Handle) ReadWindow(offset, radius int64) string {
	start, end := offset-radius, offset+radius
	if start < 0 {
		start = 0
	}
	if end <= start {
		return ""
	}
	return h.Read(start, end-start)
}

// Snippet is an alias of ReadWindow.
func (h *Handle) Snippet(offset, window int64) string { return h.ReadWindow(offset, window) }

// SearchResult is one match from Search.
type SearchResult struct {
	Offset int64
	Match  string
}

// Search matches the caller-compiled re (the caller owns its lifetime; this
// does no caching) byte-level against the mapping, bounded by maxResults
// (hard cap defaultMaxResults). Invalid UTF-8 matches are skipped silently.
func (h *Handle) Search(re *regexp.Regexp, maxResults int) []SearchResult {
	if maxResults <= 0 || maxResults > defaultMaxResults {
		maxResults = defaultMaxResults
	}
	if h.data == nil {
		return nil
	}
	var out []SearchResult
	locs := re.FindAllIndex(h.data, -1)
	for _, loc := range locs {
		if len(out) >= maxResults {
			break
		}
		match := h.data[loc[0]:loc[1]]
		if !utf8.Valid(match) {
			continue
		}
		out = append(out, SearchResult{Offset: int64(loc[0]), Match: string(match)})
	}
	return out
}

// LineResult is one match from SearchLines.
type LineResult struct {
	LineNumber int
	LineText   string
	Context    string
}

// SearchLines matches re against the file line by line, returning the
// matching line plus a small surrounding-context window.
func (h *Handle) SearchLines(re *regexp.Regexp, maxResults int) []LineResult {
	if maxResults <= 0 || maxResults > defaultMaxResults {
		maxResults = defaultMaxResults
	}
	lines := h.allLines()
	var out []LineResult
	for i, line := range lines {
		if len(out) >= maxResults {
			break
		}
		if !re.MatchString(line) {
			continue
		}
		lo, hi := i-1, i+2
		if lo < 0 {
			lo = 0
		}
		if hi > len(lines) {
			hi = len(lines)
		}
		out = append(out, LineResult{
			LineNumber: i + 1,
			LineText:   line,
			Context:    strings.Join(lines[lo:hi], "\n"),
		})
	}
	return out
}

// LineEntry is one line yielded by IterateLines.
type LineEntry struct {
	LineNumber int
	LineText   string
}

// IterateLines returns a finite, restartable lazy sequence starting at
// startLine (1-indexed). Calling IterateLines again restarts from scratch;
// the returned function returns ok=false once exhausted.
func (h *Handle) IterateLines(startLine int) func() (LineEntry, bool) {
	lines := h.allLines()
	idx := startLine - 1
	if idx < 0 {
		idx = 0
	}
	return func() (LineEntry, bool) {
		if idx >= len(lines) {
			return LineEntry{}, false
		}
		e := LineEntry{LineNumber: idx + 1, LineText: lines[idx]}
		idx++
		return e, true
	}
}

// Head returns the first n lines.
func (h *Handle) Head(n int) string {
	lines := h.allLines()
	if n > len(lines) {
		n = len(lines)
	}
	if n < 0 {
		n = 0
	}
	return strings.Join(lines[:n], "\n")
}

// Tail returns the last n lines.
func (h *Handle) Tail(n int) string {
	lines := h.allLines()
	if n > len(lines) {
		n = len(lines)
	}
	if n < 0 {
		n = 0
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

func (h *Handle) allLines() []string {
	full := h.Read(0, h.size)
	if full == "" {
		return nil
	}
	lines := strings.Split(full, "\n")
	// A trailing newline is a line terminator, not an extra empty line.
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Shingles returns the echo-detection fingerprint, computed on first access
// and cached for the handle's remaining lifetime (the mapping is immutable,
// so first-access and open-time sampling are equivalent). Sampling strategy:
// a fingerprintSample-byte window every fingerprintStride bytes across the
// whole file (up to fingerprintMaxShingl shingles), rather than only the
// first bytes, so content late in a large file is still sampled. Bytes
// between sampled windows are not fingerprinted.
func (h *Handle) Shingles() map[string]struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.haveFinge {
		return h.shingles
	}
	set := make(map[string]struct{})
	for off := int64(0); off < h.size && len(set) < fingerprintMaxShingl; off += fingerprintStride {
		sample := h.Read(off, fingerprintSample)
		for k := range entropy.Shingles(sample, fingerprintShingle) {
			set[k] = struct{}{}
			if len(set) >= fingerprintMaxShingl {
				break
			}
		}
	}
	h.shingles = set
	h.haveFinge = true
	return set
}
