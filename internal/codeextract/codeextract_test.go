package codeextract

import (
	"strings"
	"testing"

	"agentbox/internal/apperror"
)

func TestExtractPythonFenced(t *testing.T) {
	text := "Here's the plan:\n```python\nprint('hi')\n```\n"
	res, err := Extract(text, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.HasCode || strings.TrimRight(res.Code, "\n") != "print('hi')" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExtractEmptyInfoString(t *testing.T) {
	text := "```\nx = 1 + 1\n```\n"
	res, err := Extract(text, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.HasCode || !strings.Contains(res.Code, "x = 1 + 1") {
		t.Fatalf("expected empty-info-string block accepted, got %+v", res)
	}
}

func TestExtractSkipsNonPythonBlock(t *testing.T) {
	text := "```json\n{\"a\": 1}\n```\n```py\nprint('second block')\n```\n"
	res, err := Extract(text, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.HasCode || !strings.Contains(res.Code, "second block") {
		t.Fatalf("expected json block skipped, py block selected, got %+v", res)
	}
}

func TestExtractFinalParenCall(t *testing.T) {
	text := "I'm done. FINAL(the answer is 42) trailing text"
	res, err := Extract(text, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.HasFinal || res.FinalAnswer != "the answer is 42" {
		t.Fatalf("unexpected final answer: %+v", res)
	}
}

func TestExtractFinalParenBalancesNestedParens(t *testing.T) {
	text := "FINAL(f(x) = (a + b) * c)"
	res, err := Extract(text, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FinalAnswer != "f(x) = (a + b) * c" {
		t.Fatalf("expected balanced paren payload, got %q", res.FinalAnswer)
	}
}

func TestExtractFinalColonLine(t *testing.T) {
	text := "some reasoning\nFINAL: 7\nmore text"
	res, err := Extract(text, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FinalAnswer != "7" {
		t.Fatalf("expected FINAL: line match, got %q", res.FinalAnswer)
	}
}

func TestExtractFinalAnswerLineCaseInsensitive(t *testing.T) {
	text := "thinking...\nfinal answer: the result is done"
	res, err := Extract(text, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FinalAnswer != "the result is done" {
		t.Fatalf("expected Final Answer: line match, got %q", res.FinalAnswer)
	}
}

func TestExtractStrictFailsOnNeither(t *testing.T) {
	_, err := Extract("just some prose, nothing actionable", true)
	if err == nil {
		t.Fatal("expected ParseFailure in strict mode")
	}
	appErr, ok := err.(*apperror.Error)
	if !ok || appErr.Kind.Kind != apperror.KindParseFailure {
		t.Fatalf("expected ParseFailure kind, got %v", err)
	}
}

func TestExtractNonStrictReturnsEmptyResult(t *testing.T) {
	res, err := Extract("just some prose, nothing actionable", false)
	if err != nil {
		t.Fatalf("unexpected error in non-strict mode: %v", err)
	}
	if res.HasCode || res.HasFinal {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestExtractIgnoresFinalInsideCodeBlock(t *testing.T) {
	text := "```python\nprint(f\"FINAL({2+2})\")\n```\n"
	res, err := Extract(text, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.HasFinal {
		t.Fatalf("a FINAL inside the code to run must not be treated as the model's answer, got %q", res.FinalAnswer)
	}
	if !res.HasCode || !strings.Contains(res.Code, "FINAL({2+2})") {
		t.Fatalf("expected the code block extracted intact, got %+v", res)
	}
}

func TestExtractLanguageCanonical(t *testing.T) {
	for _, tc := range []struct{ text, want string }{
		{"```py\nprint(1)\n```\n", "python"},
		{"```python\nprint(1)\n```\n", "python"},
		{"```\nprint(1)\n```\n", "python"},
	} {
		res, err := Extract(tc.text, true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Language != tc.want {
			t.Fatalf("expected language %q for %q, got %q", tc.want, tc.text, res.Language)
		}
	}
}

func TestFindFinalOnSandboxOutput(t *testing.T) {
	answer, ok := FindFinal("FINAL(4)\n")
	if !ok || answer != "4" {
		t.Fatalf("expected payload 4, got %q ok=%v", answer, ok)
	}
}

func TestExtractReturnsFinalAlongsideCode(t *testing.T) {
	text := "```python\nprint('ignored side effect')\n```\nFINAL(done)\n"
	res, err := Extract(text, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.HasFinal || res.FinalAnswer != "done" {
		t.Fatalf("expected final marker detected alongside code block, got %+v", res)
	}
	if !res.HasCode {
		t.Fatalf("code block should still be extracted even when a final marker is present")
	}
}
