package review

import (
	"strings"
	"testing"

	"github.com/shipitai/mechanic/github"
)

func TestBuildExtractPrompt(t *testing.T) {
	files := []github.ChangedFile{
		{Path: "src/a.py", Content: "def f():\n    return g()"},
		{Path: "src/b.py", Content: "def g():\n    return 1"},
	}

	prompt := BuildExtractPrompt(files, "abc123")

	for _, want := range []string{
		"File: src/a.py",
		"def f():\n    return g()",
		"File: src/b.py",
		`"commit_id": "abc123"`,
		`"functions"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Index(prompt, "src/a.py") > strings.Index(prompt, "src/b.py") {
		t.Error("files should appear in input order")
	}
}

func TestBuildCanonicalizePrompt(t *testing.T) {
	prompt := BuildCanonicalizePrompt(`{"functions": []}`)

	if !strings.Contains(prompt, `{"functions": []}`) {
		t.Error("prompt should embed the JSON document")
	}
	if !strings.Contains(prompt, "<functions>") || !strings.Contains(prompt, "CDATA") {
		t.Error("prompt should describe the XML shape")
	}
}

func TestBuildReviewPrompt(t *testing.T) {
	tests := []struct {
		name         string
		instructions string
		wantSection  bool
	}{
		{name: "no instructions", instructions: "", wantSection: false},
		{name: "blank instructions", instructions: "  \n", wantSection: false},
		{name: "with instructions", instructions: "Prefer early returns.", wantSection: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompt := BuildReviewPrompt("<functions></functions>", "abc123", tt.instructions)

			if !strings.Contains(prompt, "<functions></functions>") {
				t.Error("prompt should embed the XML document")
			}
			if !strings.Contains(prompt, `"abc123"`) {
				t.Error("prompt should name the commit")
			}
			if !strings.Contains(prompt, `"N/A"`) {
				t.Error("prompt should allow the N/A position")
			}
			if got := strings.Contains(prompt, "## Repository Instructions"); got != tt.wantSection {
				t.Errorf("instructions section present = %v, want %v", got, tt.wantSection)
			}
			if tt.wantSection && !strings.HasSuffix(prompt, tt.instructions) {
				t.Error("instructions should close the prompt")
			}
		})
	}
}
