// Package codeextract implements the Code Extractor: it parses a model's
// response text into, at most, one extracted code block and one final-answer
// payload. Code blocks are found by walking a block-level markdown AST — the
// same node-switch approach goldmark-based renderers use to walk fenced code
// blocks — never by scanning the raw text with regular expressions.
package codeextract

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"agentbox/internal/apperror"
)

// codeInfoStrings is the closed set of fenced-block info strings accepted
// as "this is the code to run", including the empty info string.
var codeInfoStrings = map[string]bool{
	"":       true,
	"python": true,
	"py":     true,
}

// Result is what Extract returns: zero, one, or both of a code block and
// a final answer may be present.
type Result struct {
	Code        string
	Language    string // canonical language of the selected block
	HasCode     bool
	FinalAnswer string
	HasFinal    bool
}

var (
	reFinalLine = regexp.MustCompile(`(?m)^\s*FINAL:\s*(.*)$`)
	reFinalAns  = regexp.MustCompile(`(?mi)^\s*Final Answer:\s*(.*)$`)
)

// Extract parses modelText into an optional code block and an optional
// final-answer payload. A FINAL marker that only exists inside the code to
// run is the program's output-to-be, not the model's own answer, so the
// marker scan sees the text with every fenced block's content masked out.
// When strict is true and neither a code block nor a final marker is found,
// it returns a ParseFailure error so the caller can treat it as a distinct
// orchestrator outcome rather than silently looping forever.
func Extract(modelText string, strict bool) (Result, error) {
	var res Result

	code, lang, masked, ok := parseBlocks(modelText)
	if ok {
		res.Code = code
		res.Language = lang
		res.HasCode = true
	}

	if payload, found := FindFinal(masked); found {
		res.FinalAnswer = payload
		res.HasFinal = true
	}

	if strict && !res.HasCode && !res.HasFinal {
		return res, apperror.ParseFailure("no code block and no final-answer marker found in model response")
	}
	return res, nil
}

// parseBlocks walks the goldmark AST once: it selects the first fenced code
// block whose info string is empty, "python", or "py", and masks the
// content of every fenced block (preserving newlines) so the caller's
// final-marker scan cannot match inside code.
func parseBlocks(src string) (code, lang, masked string, ok bool) {
	data := []byte(src)
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(data))

	maskedBytes := []byte(src)
	walkFencedBlocks(doc, func(n *ast.FencedCodeBlock) bool {
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			for j := seg.Start; j < seg.Stop; j++ {
				if maskedBytes[j] != '\n' {
					maskedBytes[j] = ' '
				}
			}
		}
		if ok {
			return true
		}
		info := strings.ToLower(strings.TrimSpace(string(n.Language(data))))
		if !codeInfoStrings[info] {
			return true
		}
		var b strings.Builder
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(data))
		}
		code = b.String()
		lang = canonicalLanguage(info)
		ok = true
		return true // keep walking: every later block still needs masking
	})
	return code, lang, string(maskedBytes), ok
}

// canonicalLanguage folds the accepted info-string aliases into one name.
func canonicalLanguage(info string) string {
	switch info {
	case "", "py", "python":
		return "python"
	default:
		return info
	}
}

// walkFencedBlocks performs a depth-first walk of node, invoking visit for
// every *ast.FencedCodeBlock in document order. visit returns false to stop
// the walk early.
func walkFencedBlocks(node ast.Node, visit func(*ast.FencedCodeBlock) bool) bool {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if fcb, isFenced := child.(*ast.FencedCodeBlock); isFenced {
			if !visit(fcb) {
				return false
			}
			continue
		}
		if !walkFencedBlocks(child, visit) {
			return false
		}
	}
	return true
}

// FindFinal scans text for the first successful match among
// FINAL(<payload>), a `FINAL:` line, or a case-insensitive `Final Answer:`
// line, in that priority order, returning the trimmed payload. Callers use
// it both on (masked) model text and on sanitized sandbox output.
func FindFinal(text string) (string, bool) {
	if payload, ok := findBalancedFinalCall(text); ok {
		return strings.TrimSpace(payload), true
	}
	if m := reFinalLine.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if m := reFinalAns.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// findBalancedFinalCall locates the first `FINAL(` occurrence and returns
// the content of its outermost balanced parenthesis group, so that a
// payload itself containing parentheses is not truncated early.
func findBalancedFinalCall(s string) (string, bool) {
	const marker = "FINAL("
	idx := strings.Index(s, marker)
	if idx == -1 {
		return "", false
	}
	start := idx + len(marker)
	depth := 1
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[start:i], true
			}
		}
	}
	return "", false // unbalanced; not a match
}
