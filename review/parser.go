package review

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shipitai/mechanic/github"
)

// NotApplicable is the wire form of a position with no clear target.
const NotApplicable = "N/A"

var (
	// ErrMissingFunctions indicates the extract response has no top-level "functions" key.
	ErrMissingFunctions = errors.New(`response has no "functions" key`)
	// ErrNoJSONObject indicates no JSON object could be located in a response.
	ErrNoJSONObject = errors.New("no JSON object in response")
	// ErrNoXMLDocument indicates no <functions> document could be located in a response.
	ErrNoXMLDocument = errors.New("no <functions> document in response")
)

var (
	thinkRegex     = regexp.MustCompile(`(?s)<think>.*?</think>`)
	xmlDocRegex    = regexp.MustCompile(`(?is)<functions\b.*</functions\s*>`)
	markupTagRegex = regexp.MustCompile(`(?i)</?(?:functions|function|statements|statement|body|dependencies|dependency|name|file|commit_id|description)\s*/?>`)
	cdataRegex     = regexp.MustCompile(`<!\[CDATA\[|\]\]>`)
)

// Position is the 1-based index of the targeted statement, or 0 for N/A.
type Position int

// PositionNA marks a comment without a clear target statement.
const PositionNA Position = 0

// IsNA reports whether the position has no target.
func (p Position) IsNA() bool {
	return p <= 0
}

func (p Position) String() string {
	if p.IsNA() {
		return NotApplicable
	}
	return strconv.Itoa(int(p))
}

// MarshalJSON encodes N/A as the string "N/A" and any other position as a number.
func (p Position) MarshalJSON() ([]byte, error) {
	if p.IsNA() {
		return []byte(`"` + NotApplicable + `"`), nil
	}
	return []byte(strconv.Itoa(int(p))), nil
}

// UnmarshalJSON accepts a number or a numeric string. Anything else,
// including "N/A", null or a fractional number, decodes to PositionNA.
func (p *Position) UnmarshalJSON(data []byte) error {
	*p = PositionNA

	s := strings.TrimSpace(string(data))
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || f < 1 || f > math.MaxInt32 {
		return nil
	}
	*p = Position(int(f))
	return nil
}

// ReviewComment is the single comment produced for a commit.
// Field order matches the key order the model is asked for.
type ReviewComment struct {
	Body     string   `json:"body"`
	CommitID string   `json:"commit_id"`
	Path     string   `json:"path"`
	Position Position `json:"position"`
}

// ExtractedFunction is one function reported by the extract stage.
type ExtractedFunction struct {
	Name         string   `json:"name"`
	File         string   `json:"file"`
	CommitID     string   `json:"commit_id"`
	Body         string   `json:"body"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies"`
}

type functionsDocument struct {
	Functions []ExtractedFunction `json:"functions"`
}

// Statement is one addressable line of the canonical XML, numbered from 1.
type Statement struct {
	Index    int
	File     string
	Function string
	Text     string
}

// cleanResponse removes reasoning blocks and a surrounding markdown code fence.
func cleanResponse(response string) string {
	response = thinkRegex.ReplaceAllString(response, "")
	// a truncated reasoning block leaves only its closing tag
	if i := strings.LastIndex(response, "</think>"); i >= 0 {
		response = response[i+len("</think>"):]
	}
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
		// drop the language tag
		if nl := strings.IndexByte(response, '\n'); nl >= 0 {
			response = response[nl+1:]
		} else {
			response = ""
		}
		response = strings.TrimSuffix(strings.TrimSpace(response), "```")
	}

	return strings.TrimSpace(response)
}

// extractJSONObject returns the outermost {...} span of a cleaned response.
func extractJSONObject(response string) (string, error) {
	cleaned := cleanResponse(response)
	start := strings.IndexByte(cleaned, '{')
	end := strings.LastIndexByte(cleaned, '}')
	if start < 0 || end < start {
		return "", ErrNoJSONObject
	}
	return cleaned[start : end+1], nil
}

// ParseFunctions parses the extract stage response. It returns the functions
// and a normalized JSON document of them for the next stage.
func ParseFunctions(response string) ([]ExtractedFunction, string, error) {
	raw, err := extractJSONObject(response)
	if err != nil {
		return nil, "", err
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &top); err != nil {
		return nil, "", fmt.Errorf("failed to parse functions JSON: %w", err)
	}
	if _, ok := top["functions"]; !ok {
		return nil, "", ErrMissingFunctions
	}

	var doc functionsDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, "", fmt.Errorf("failed to parse functions JSON: %w", err)
	}

	for i := range doc.Functions {
		doc.Functions[i].Dependencies = uniqueStrings(doc.Functions[i].Dependencies)
	}

	normalized, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal functions JSON: %w", err)
	}

	return doc.Functions, string(normalized), nil
}

// ExtractXML locates the <functions> document in a canonicalize stage response.
func ExtractXML(response string) (string, error) {
	doc := xmlDocRegex.FindString(cleanResponse(response))
	if doc == "" {
		return "", ErrNoXMLDocument
	}
	return doc, nil
}

// ParseStatements numbers the statements of a canonical XML document in
// document order. Element names are matched case-insensitively. A function
// body without <statement> children contributes one statement per non-blank line.
func ParseStatements(doc string) ([]Statement, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, nil
	}

	dec := xml.NewDecoder(strings.NewReader(doc))
	dec.Strict = false

	var (
		statements []Statement
		fnStart    int // index into statements where the current function began
		fnFile     string
		fnName     string
		path       []string
		starts     []int // offset into text where each open element began
		text       bytes.Buffer
		bodyHasSub bool
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse functions XML: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			switch name {
			case "function":
				fnStart, fnFile, fnName = len(statements), "", ""
			case "body":
				bodyHasSub = false
			case "statement":
				bodyHasSub = true
			}
			path = append(path, name)
			starts = append(starts, text.Len())

		case xml.CharData:
			text.Write(t)

		case xml.EndElement:
			name := strings.ToLower(t.Name.Local)
			var content string
			if len(starts) > 0 {
				// includes the text of nested markup such as <b>1</b>
				content = text.String()[starts[len(starts)-1]:]
				starts = starts[:len(starts)-1]
			}

			switch name {
			case "file":
				if parent(path) == "function" {
					fnFile = normalizePath(content)
				}
			case "name":
				if parent(path) == "function" {
					fnName = strings.TrimSpace(content)
				}
			case "statement":
				statements = append(statements, Statement{Text: strings.TrimSpace(content)})
			case "body":
				if !bodyHasSub {
					for _, line := range strings.Split(content, "\n") {
						if strings.TrimSpace(line) != "" {
							statements = append(statements, Statement{Text: strings.TrimSpace(line)})
						}
					}
				}
			case "function":
				for i := fnStart; i < len(statements); i++ {
					statements[i].File = fnFile
					statements[i].Function = fnName
				}
			}
			if len(path) > 0 {
				path = path[:len(path)-1]
			}
		}
	}

	for i := range statements {
		statements[i].Index = i + 1
	}
	return statements, nil
}

// parent returns the element enclosing the innermost open element.
func parent(path []string) string {
	if len(path) < 2 {
		return ""
	}
	return path[len(path)-2]
}

// ParseReviewComment parses the review stage response.
func ParseReviewComment(response string) (ReviewComment, error) {
	raw, err := extractJSONObject(response)
	if err != nil {
		return ReviewComment{}, err
	}

	var comment ReviewComment
	if err := json.Unmarshal([]byte(raw), &comment); err != nil {
		return ReviewComment{}, fmt.Errorf("failed to parse review comment JSON: %w", err)
	}
	if strings.TrimSpace(comment.Body) == "" {
		return ReviewComment{}, errors.New("review comment has empty body")
	}
	return comment, nil
}

// ValidateComment enforces the comment's invariants against the reviewed commit:
// commit_id is the reviewed SHA, position is N/A or within [1, len(statements)],
// path names a changed file when one can be determined, and the body carries no
// markup from the XML representation.
func ValidateComment(c ReviewComment, statements []Statement, files []github.ChangedFile, commitSHA string) ReviewComment {
	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[f.Path] = true
	}

	out := ReviewComment{
		Body:     SanitizeBody(c.Body),
		CommitID: commitSHA,
		Position: c.Position,
	}

	if out.Position.IsNA() || int(out.Position) > len(statements) {
		out.Position = PositionNA
	}

	if !out.Position.IsNA() {
		if f := statements[out.Position-1].File; known[f] {
			out.Path = f
		}
	}
	if out.Path == "" {
		if p := normalizePath(c.Path); known[p] {
			out.Path = p
		}
	}
	if out.Path == "" && len(files) == 1 {
		out.Path = files[0].Path
	}

	return out
}

// SanitizeBody strips canonical XML element tags and CDATA markers.
func SanitizeBody(body string) string {
	body = cdataRegex.ReplaceAllString(body, "")
	body = markupTagRegex.ReplaceAllString(body, "")
	return strings.TrimSpace(body)
}

func normalizePath(p string) string {
	return strings.TrimPrefix(strings.TrimSpace(p), "./")
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
