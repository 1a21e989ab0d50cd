package review

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shipitai/mechanic/github"
	"github.com/shipitai/mechanic/llm"
)

const (
	// StageTimeout bounds every model call.
	StageTimeout = 3 * time.Minute

	extractMaxTokens      = 8000
	canonicalizeMaxTokens = 8000
	reviewMaxTokens       = 10000

	neutralBody = "No actionable improvement was identified in this commit."
)

const (
	stageExtract      = "extract"
	stageCanonicalize = "canonicalize"
	stageReview       = "review"
)

// NeutralComment is the comment used when there is no actionable finding.
func NeutralComment(commitSHA string) ReviewComment {
	return ReviewComment{
		Body:     neutralBody,
		CommitID: commitSHA,
		Position: PositionNA,
	}
}

// Analysis is the result of running the pipeline over one commit.
type Analysis struct {
	Comment   ReviewComment
	Functions []ExtractedFunction

	// FunctionsJSON and FunctionsXML are the handoff documents between stages.
	FunctionsJSON string
	FunctionsXML  string

	StatementCount int
	Usage          llm.Usage

	// Degraded lists the stages that fell back to empty output.
	Degraded []*StageError
}

// Neutral reports whether the analysis produced no actionable finding.
func (a *Analysis) Neutral() bool {
	return a.Comment.Body == neutralBody
}

// Pipeline runs the extract, canonicalize and review stages against one model.
type Pipeline struct {
	model        llm.Completer
	logger       *slog.Logger
	stageTimeout time.Duration
}

// NewPipeline creates a pipeline that sends every stage to model.
func NewPipeline(model llm.Completer, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		model:        model,
		logger:       logger,
		stageTimeout: StageTimeout,
	}
}

// Analyze turns changed files into a single review comment. Stage failures
// degrade to a neutral comment; the only error returned is ctx's, when the
// delivery was canceled between stages.
func (p *Pipeline) Analyze(ctx context.Context, files []github.ChangedFile, commitSHA, instructions string) (*Analysis, error) {
	a := &Analysis{Comment: NeutralComment(commitSHA)}
	if len(files) == 0 {
		return a, nil
	}
	if len(files) == 1 {
		a.Comment.Path = files[0].Path
	}

	// Stage E
	text, err := p.call(ctx, a, stageExtract, BuildExtractPrompt(files, commitSHA), extractMaxTokens)
	if err == nil {
		a.Functions, a.FunctionsJSON, err = ParseFunctions(text)
		if err != nil {
			p.degrade(a, stageExtract, KindParse, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return a, err
	}
	if len(a.Functions) == 0 {
		p.logger.Info("no functions extracted", "commit_sha", commitSHA)
		return a, nil
	}

	// Stage X
	text, err = p.call(ctx, a, stageCanonicalize, BuildCanonicalizePrompt(a.FunctionsJSON), canonicalizeMaxTokens)
	var statements []Statement
	if err == nil {
		statements, err = p.canonicalize(a, text)
		if err != nil {
			p.degrade(a, stageCanonicalize, KindParse, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return a, err
	}
	if a.FunctionsXML == "" {
		return a, nil
	}

	// Stage R
	text, err = p.call(ctx, a, stageReview, BuildReviewPrompt(a.FunctionsXML, commitSHA, instructions), reviewMaxTokens)
	if err == nil {
		var comment ReviewComment
		comment, err = ParseReviewComment(text)
		if err != nil {
			p.degrade(a, stageReview, KindParse, err)
		} else {
			a.Comment = ValidateComment(comment, statements, files, commitSHA)
		}
	}
	if err := ctx.Err(); err != nil {
		return a, err
	}

	p.logger.Info("analysis complete",
		"commit_sha", commitSHA,
		"functions", len(a.Functions),
		"statements", a.StatementCount,
		"position", a.Comment.Position.String(),
		"path", a.Comment.Path,
		"input_tokens", a.Usage.InputTokens,
		"output_tokens", a.Usage.OutputTokens,
	)
	return a, nil
}

// canonicalize keeps the XML only if its statements can be numbered.
func (p *Pipeline) canonicalize(a *Analysis, text string) ([]Statement, error) {
	doc, err := ExtractXML(text)
	if err != nil {
		return nil, err
	}
	statements, err := ParseStatements(doc)
	if err != nil {
		return nil, err
	}
	a.FunctionsXML = doc
	a.StatementCount = len(statements)
	return statements, nil
}

// call runs one stage under its own deadline and accumulates usage.
func (p *Pipeline) call(ctx context.Context, a *Analysis, stage, prompt string, maxTokens int) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.model.Complete(stageCtx, prompt, maxTokens)
	a.Usage = a.Usage.Add(resp.Usage)
	if err != nil {
		kind := KindNetwork
		if errors.Is(err, llm.ErrEmptyResponse) {
			kind = KindParse
		}
		p.degrade(a, stage, kind, err)
		return "", err
	}

	p.logger.Debug("model call complete",
		"stage", stage,
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return resp.Text, nil
}

func (p *Pipeline) degrade(a *Analysis, stage string, kind ErrorKind, err error) {
	se := &StageError{Stage: stage, Kind: kind, Err: err}
	a.Degraded = append(a.Degraded, se)
	p.logger.Warn("stage degraded to empty output", "stage", stage, "kind", kind, "error", err)
}
