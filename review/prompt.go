// Package review turns a commit's changed files into a single review comment
// through a three-stage language model chain and publishes it on the pull request.
package review

import (
	"fmt"
	"strings"

	"github.com/shipitai/mechanic/github"
)

const extractPromptTemplate = `You are analyzing a commit in a software repository. Your goal is to:
1. **Extract high-impact functions** that were added or changed.
2. Identify each function's dependencies (other functions or types it calls or uses).

**Return JSON only**, with no text before or after it, in exactly this shape:
{
  "functions": [
    {
      "name": "function_name",
      "file": "file_path",
      "commit_id": "%s",
      "body": "function_code",
      "description": "Function description",
      "dependencies": ["dependency1", "dependency2"]
    }
  ]
}

If no functions can be identified, return {"functions": []}.

Changed files:

%s`

const canonicalizePromptTemplate = `Convert the following JSON to XML.

**Format Rules:**
- Root element: <functions>.
- Each function inside one <function> element, with child elements <name>, <file>, <commit_id> and <description>.
- The function code goes inside <body>, one <statement> element per line of code, in source order.
- Wrap the text of every <statement> in <![CDATA[ ... ]]> so any characters are allowed.
- Dependencies inside <dependencies>, one <dependency> element each.

Return only the XML document, with no text before or after it.

**JSON Input:**

%s`

const reviewPromptTemplate = `Using the XML provided:
%s

Generate a JSON-formatted code review comment payload with exactly these keys in this order: 1) "body", 2) "commit_id", 3) "path", and 4) "position".

For this task, treat each <statement> element in the XML as a separate line of code, numbered sequentially from 1 in the order they appear across the whole document.

Identify the single statement that is most in need of improvement, that is, code that appears redundant, indirect, or inefficient. For example, a method that only calls another method when the functionality could be inlined is likely a target for improvement. This is an illustration, not the only kind of finding.

Use that statement's sequential number as the value for "position". If the target cannot be clearly determined, output "N/A" instead. Never guess a number.

**body** must contain a Markdown-formatted comment with the following structure:
- A header line with file path and line range (e.g. src/SwapUtil.py | Line 13-22)
- A bolded short title describing the change (e.g. **Simplify Method Call**)
- A concise explanation of why the change is needed, using inline code formatting where relevant
- A code block in diff syntax showing lines to add (+) and remove (-). Do not include any XML, HTML, or other tags (such as <statement> or CDATA markers) in the code block. Only plain text code.
- A short justification or conclusion

**commit_id** is the commit being reviewed: "%s".
**path** is the path of the file containing the chosen statement.
**position** is the sequential statement number chosen above, or "N/A".

Return only this JSON object, with no additional text. Focus on the most necessary improvement rather than random optimizations.%s`

const instructionsSection = `

## Repository Instructions

The repository maintainers have asked you to keep the following in mind:

%s`

// BuildExtractPrompt builds the Stage E prompt from the changed files.
func BuildExtractPrompt(files []github.ChangedFile, commitSHA string) string {
	summaries := make([]string, len(files))
	for i, f := range files {
		summaries[i] = fmt.Sprintf("File: %s\n```\n%s\n```", f.Path, f.Content)
	}
	return fmt.Sprintf(extractPromptTemplate, commitSHA, strings.Join(summaries, "\n\n"))
}

// BuildCanonicalizePrompt builds the Stage X prompt from the Stage E document.
func BuildCanonicalizePrompt(functionsJSON string) string {
	return fmt.Sprintf(canonicalizePromptTemplate, functionsJSON)
}

// BuildReviewPrompt builds the Stage R prompt. Non-empty instructions from the
// repository config are appended.
func BuildReviewPrompt(functionsXML, commitSHA, instructions string) string {
	extra := ""
	if s := strings.TrimSpace(instructions); s != "" {
		extra = fmt.Sprintf(instructionsSection, s)
	}
	return fmt.Sprintf(reviewPromptTemplate, functionsXML, commitSHA, extra)
}
