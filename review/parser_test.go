package review

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shipitai/mechanic/github"
)

const twoFunctionXML = `<functions>
  <function>
    <name>f</name>
    <file>src/a.py</file>
    <commit_id>abc123</commit_id>
    <description>computes x</description>
    <body>
      <statement><![CDATA[x = compute(a < b)]]></statement>
      <statement><![CDATA[return x]]></statement>
    </body>
    <dependencies><dependency>compute</dependency></dependencies>
  </function>
  <function>
    <name>g</name>
    <file>./src/b.py</file>
    <body>
line one

line two
    </body>
  </function>
</functions>`

func TestCleanResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain",
			input:    `{"a": 1}`,
			expected: `{"a": 1}`,
		},
		{
			name:     "json fence",
			input:    "```json\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:     "bare fence",
			input:    "```\n<functions></functions>\n```",
			expected: "<functions></functions>",
		},
		{
			name:     "reasoning block",
			input:    "<think>the user wants JSON {not this}</think>\n{\"a\": 1}",
			expected: `{"a": 1}`,
		},
		{
			name:     "reasoning then fence",
			input:    "<think>hmm</think>\n```json\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:     "stray closing tag",
			input:    "partial reasoning {x}</think>{\"a\": 1}",
			expected: `{"a": 1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanResponse(tt.input); got != tt.expected {
				t.Errorf("cleanResponse() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParseFunctions(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		response := "```json\n" + `{"functions": [{"name": "f", "file": "src/a.py", "commit_id": "abc123", "body": "return 1", "description": "d", "dependencies": ["g", "g", ""]}]}` + "\n```"

		fns, normalized, err := ParseFunctions(response)
		if err != nil {
			t.Fatalf("ParseFunctions() error = %v", err)
		}
		if len(fns) != 1 {
			t.Fatalf("got %d functions, want 1", len(fns))
		}
		if fns[0].Name != "f" || fns[0].File != "src/a.py" {
			t.Errorf("function = %+v", fns[0])
		}
		if len(fns[0].Dependencies) != 1 || fns[0].Dependencies[0] != "g" {
			t.Errorf("Dependencies = %v, want [g]", fns[0].Dependencies)
		}

		var doc functionsDocument
		if err := json.Unmarshal([]byte(normalized), &doc); err != nil {
			t.Fatalf("normalized document is not JSON: %v", err)
		}
		if len(doc.Functions) != 1 || doc.Functions[0].Body != "return 1" {
			t.Errorf("normalized document = %s", normalized)
		}
	})

	t.Run("empty list", func(t *testing.T) {
		fns, _, err := ParseFunctions(`{"functions": []}`)
		if err != nil {
			t.Fatalf("ParseFunctions() error = %v", err)
		}
		if len(fns) != 0 {
			t.Errorf("got %d functions, want 0", len(fns))
		}
	})

	tests := []struct {
		name     string
		response string
		wantErr  error
	}{
		{name: "missing key", response: `{"items": []}`, wantErr: ErrMissingFunctions},
		{name: "no object", response: "I could not find any functions.", wantErr: ErrNoJSONObject},
		{name: "unterminated", response: `{"functions": [`, wantErr: ErrNoJSONObject},
		{name: "malformed", response: `{"functions": [}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseFunctions(tt.response)
			if err == nil {
				t.Fatal("ParseFunctions() should fail")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExtractXML(t *testing.T) {
	doc, err := ExtractXML("Here is the XML:\n```xml\n" + twoFunctionXML + "\n```\nLet me know!")
	if err != nil {
		t.Fatalf("ExtractXML() error = %v", err)
	}
	if doc != twoFunctionXML {
		t.Errorf("ExtractXML() = %q", doc)
	}

	if _, err := ExtractXML(`{"functions": []}`); !errors.Is(err, ErrNoXMLDocument) {
		t.Errorf("error = %v, want ErrNoXMLDocument", err)
	}
}

func TestParseStatements(t *testing.T) {
	statements, err := ParseStatements(twoFunctionXML)
	if err != nil {
		t.Fatalf("ParseStatements() error = %v", err)
	}

	expected := []Statement{
		{Index: 1, File: "src/a.py", Function: "f", Text: "x = compute(a < b)"},
		{Index: 2, File: "src/a.py", Function: "f", Text: "return x"},
		{Index: 3, File: "src/b.py", Function: "g", Text: "line one"},
		{Index: 4, File: "src/b.py", Function: "g", Text: "line two"},
	}
	if len(statements) != len(expected) {
		t.Fatalf("got %d statements, want %d: %+v", len(statements), len(expected), statements)
	}
	for i := range expected {
		if statements[i] != expected[i] {
			t.Errorf("statement %d = %+v, want %+v", i, statements[i], expected[i])
		}
	}
}

func TestParseStatementsCaseInsensitive(t *testing.T) {
	doc := `<Functions><Function><Name>h</Name><File>a.go</File><Body><Statement>x := 1</Statement></Body></Function></Functions>`

	statements, err := ParseStatements(doc)
	if err != nil {
		t.Fatalf("ParseStatements() error = %v", err)
	}
	if len(statements) != 1 || statements[0].File != "a.go" || statements[0].Text != "x := 1" {
		t.Errorf("statements = %+v", statements)
	}
}

func TestParseStatementsNestedMarkup(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []string
	}{
		{
			name: "markup inside statement",
			doc:  `<functions><function><name>f</name><file>a.go</file><body><statement>x := <b>1</b> + 2</statement></body></function></functions>`,
			want: []string{"x := 1 + 2"},
		},
		{
			name: "markup inside line body",
			doc:  "<functions><function><name>g</name><file>a.go</file><body>\ny := <i>2</i> * 3\nreturn y\n</body></function></functions>",
			want: []string{"y := 2 * 3", "return y"},
		},
		{
			name: "markup inside name",
			doc:  `<functions><function><name>h<sub/>elper</name><file>a.go</file><body><statement>z()</statement></body></function></functions>`,
			want: []string{"z()"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statements, err := ParseStatements(tt.doc)
			if err != nil {
				t.Fatalf("ParseStatements() error = %v", err)
			}
			if len(statements) != len(tt.want) {
				t.Fatalf("got %d statements, want %d: %+v", len(statements), len(tt.want), statements)
			}
			for i, want := range tt.want {
				if statements[i].Text != want {
					t.Errorf("statement %d text = %q, want %q", i, statements[i].Text, want)
				}
				if statements[i].File != "a.go" {
					t.Errorf("statement %d file = %q, want a.go", i, statements[i].File)
				}
			}
		})
	}
}

func TestParseStatementsEmpty(t *testing.T) {
	statements, err := ParseStatements("  ")
	if err != nil || len(statements) != 0 {
		t.Errorf("ParseStatements() = %v, %v; want no statements", statements, err)
	}
}

func TestPositionJSON(t *testing.T) {
	tests := []struct {
		raw      string
		expected Position
	}{
		{`1`, 1},
		{`"7"`, 7},
		{`" 3 "`, 3},
		{`"N/A"`, PositionNA},
		{`null`, PositionNA},
		{`0`, PositionNA},
		{`-2`, PositionNA},
		{`2.5`, PositionNA},
		{`"line 4"`, PositionNA},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			var p Position
			if err := json.Unmarshal([]byte(tt.raw), &p); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if p != tt.expected {
				t.Errorf("Unmarshal(%s) = %v, want %v", tt.raw, p, tt.expected)
			}
		})
	}

	out, err := json.Marshal(ReviewComment{Body: "b", CommitID: "c", Path: "p"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"body":"b","commit_id":"c","path":"p","position":"N/A"}` {
		t.Errorf("Marshal() = %s", out)
	}
}

func TestParseReviewComment(t *testing.T) {
	comment, err := ParseReviewComment("<think>pick one</think>```json\n" + `{"body": "**Inline call**", "commit_id": "zzz", "path": "src/a.py", "position": "2"}` + "\n```")
	if err != nil {
		t.Fatalf("ParseReviewComment() error = %v", err)
	}
	if comment.Position != 2 || comment.Path != "src/a.py" || comment.CommitID != "zzz" {
		t.Errorf("comment = %+v", comment)
	}

	if _, err := ParseReviewComment(`{"body": "  ", "position": 1}`); err == nil {
		t.Error("empty body should fail")
	}
	if _, err := ParseReviewComment("no comment"); !errors.Is(err, ErrNoJSONObject) {
		t.Errorf("error = %v, want ErrNoJSONObject", err)
	}
}

func TestValidateComment(t *testing.T) {
	statements, err := ParseStatements(twoFunctionXML)
	if err != nil {
		t.Fatalf("ParseStatements() error = %v", err)
	}
	twoFiles := []github.ChangedFile{{Path: "src/a.py"}, {Path: "src/b.py"}}

	tests := []struct {
		name         string
		comment      ReviewComment
		statements   []Statement
		files        []github.ChangedFile
		wantPosition Position
		wantPath     string
	}{
		{
			name:         "position pins path to its file",
			comment:      ReviewComment{Body: "b", Path: "src/a.py", Position: 3},
			statements:   statements,
			files:        twoFiles,
			wantPosition: 3,
			wantPath:     "src/b.py",
		},
		{
			name:         "position past the end",
			comment:      ReviewComment{Body: "b", Path: "src/a.py", Position: 9},
			statements:   statements,
			files:        twoFiles,
			wantPosition: PositionNA,
			wantPath:     "src/a.py",
		},
		{
			name:         "unknown path with several files",
			comment:      ReviewComment{Body: "b", Path: "lib/c.py"},
			statements:   statements,
			files:        twoFiles,
			wantPosition: PositionNA,
			wantPath:     "",
		},
		{
			name:         "unknown path with one file",
			comment:      ReviewComment{Body: "b", Path: "a.py", Position: 1},
			statements:   []Statement{{Index: 1, File: "other.py", Text: "x"}},
			files:        []github.ChangedFile{{Path: "src/a.py"}},
			wantPosition: 1,
			wantPath:     "src/a.py",
		},
		{
			name:         "no statements",
			comment:      ReviewComment{Body: "b", Path: "./src/b.py", Position: 1},
			files:        twoFiles,
			wantPosition: PositionNA,
			wantPath:     "src/b.py",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.comment.CommitID = "something-else"
			got := ValidateComment(tt.comment, tt.statements, tt.files, "abc123")

			if got.CommitID != "abc123" {
				t.Errorf("CommitID = %q, want abc123", got.CommitID)
			}
			if got.Position != tt.wantPosition {
				t.Errorf("Position = %v, want %v", got.Position, tt.wantPosition)
			}
			if got.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", got.Path, tt.wantPath)
			}
			if !got.Position.IsNA() && (int(got.Position) < 1 || int(got.Position) > len(tt.statements)) {
				t.Errorf("Position %d outside [1, %d]", got.Position, len(tt.statements))
			}
		})
	}
}

func TestSanitizeBody(t *testing.T) {
	body := "**Inline**\n```diff\n- <statement><![CDATA[return helper(x)]]></statement>\n+ return x * 2\n```\n"
	expected := "**Inline**\n```diff\n- return helper(x)\n+ return x * 2\n```"

	if got := SanitizeBody(body); got != expected {
		t.Errorf("SanitizeBody() = %q, want %q", got, expected)
	}
}
