package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
)

// Ollama producer errors.
var (
	ErrGenerationTruncated = errors.New("generation ended before completion")
	ErrEditOutsideRepo     = errors.New("edit path escapes the repository")
)

const editInstructions = `
Respond with ONLY a JSON array of file edits that fix the defect, in the form:
[{"path": "relative/path/to/file", "content": "full new file content"}]
Paths are relative to the repository root. Respond with [] if no fix is possible.
`

// generateRequest is the Ollama /api/generate request body.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the non-streaming /api/generate response body.
type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// edit is one file replacement proposed by the model.
type edit struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// OllamaProducer drives a local Ollama model as the fix producer.
//
// The model receives the defect briefing and must answer with a JSON
// edit list; the producer writes the edits and commits them via go-git.
// An empty or unparsable edit list is reported as no change, never as
// an error verdict on the defect itself.
type OllamaProducer struct {
	client   *http.Client
	endpoint string
	model    string
	repoPath string
	logger   *zap.Logger
	now      func() time.Time
}

// NewOllamaProducer creates a producer against an Ollama endpoint,
// e.g. "http://localhost:11434". Generation is slow on local models;
// timeouts in the 120-300s range are recommended.
func NewOllamaProducer(endpoint, model, repoPath string, timeout time.Duration, logger *zap.Logger) *OllamaProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaProducer{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		repoPath: repoPath,
		logger:   logger,
		now:      time.Now,
	}
}

// AttemptFix implements ChangeProducer.
func (p *OllamaProducer) AttemptFix(ctx context.Context, d *defect.Defect, prior []defect.Attempt) (Outcome, error) {
	prompt := Briefing(d, prior) + editInstructions

	p.logger.Info("sending prompt to ollama",
		zap.String("model", p.model),
		zap.String("defect_id", d.ID),
		zap.Int("prompt_chars", len(prompt)))

	raw, err := p.generate(ctx, prompt)
	if err != nil {
		return Outcome{}, err
	}

	edits, err := parseEdits(raw)
	if err != nil {
		// An unparsable answer is a producer that made no usable
		// change, not a defect verdict.
		p.logger.Warn("unparsable edit list from model",
			zap.String("defect_id", d.ID),
			zap.Error(err))
		return Outcome{}, nil
	}
	if len(edits) == 0 {
		return Outcome{}, nil
	}

	ref, err := p.applyAndCommit(d, edits, len(prior)+1)
	if err != nil {
		return Outcome{}, err
	}

	p.logger.Info("ollama producer committed change",
		zap.String("defect_id", d.ID),
		zap.Int("files", len(edits)),
		zap.String("ref", ref))
	return Outcome{Committed: true, Ref: ref}, nil
}

// generate posts a non-streaming completion request.
func (p *OllamaProducer) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  p.model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("encoding generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("decoding generate response: %w", err)
	}
	if !gen.Done {
		return "", ErrGenerationTruncated
	}
	return gen.Response, nil
}

// parseEdits extracts the JSON edit list from a model answer, tolerating
// surrounding prose and markdown code fences.
func parseEdits(raw string) ([]edit, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var edits []edit
	if err := json.Unmarshal([]byte(raw[start:end+1]), &edits); err != nil {
		return nil, fmt.Errorf("decoding edit list: %w", err)
	}

	for _, e := range edits {
		if e.Path == "" {
			return nil, fmt.Errorf("edit with empty path")
		}
	}
	return edits, nil
}

// applyAndCommit writes the edits inside the repository and commits them.
func (p *OllamaProducer) applyAndCommit(d *defect.Defect, edits []edit, ordinal int) (string, error) {
	repo, err := git.PlainOpen(p.repoPath)
	if err != nil {
		return "", fmt.Errorf("opening repository %s: %w", p.repoPath, err)
	}
	w, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}

	root, err := filepath.Abs(p.repoPath)
	if err != nil {
		return "", err
	}

	for _, e := range edits {
		target := filepath.Join(root, filepath.FromSlash(e.Path))
		if !strings.HasPrefix(filepath.Clean(target), root+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %q", ErrEditOutsideRepo, e.Path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("creating directories for %s: %w", e.Path, err)
		}
		if err := os.WriteFile(target, []byte(e.Content), 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", e.Path, err)
		}
		if _, err := w.Add(filepath.ToSlash(e.Path)); err != nil {
			return "", fmt.Errorf("staging %s: %w", e.Path, err)
		}
	}

	msg := fmt.Sprintf("mendd: fix attempt %d for defect %s", ordinal, d.ID)
	hash, err := w.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "mendd",
			Email: "mendd@fyrsmithlabs.dev",
			When:  p.now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("committing fix: %w", err)
	}
	return hash.String(), nil
}
