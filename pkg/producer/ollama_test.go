package producer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
)

func TestParseEdits(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{
			name: "bare array",
			raw:  `[{"path": "a.go", "content": "package a"}]`,
			want: 1,
		},
		{
			name: "fenced with prose",
			raw:  "Here is the fix:\n```json\n[{\"path\": \"a.go\", \"content\": \"package a\"}]\n```\nGood luck!",
			want: 1,
		},
		{
			name: "empty array",
			raw:  `[]`,
			want: 0,
		},
		{
			name:    "no array at all",
			raw:     "I cannot fix this.",
			wantErr: true,
		},
		{
			name:    "array of wrong shape",
			raw:     `[{"path": "", "content": "x"}]`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			raw:     `[{"path": "a.go", "content": }]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edits, err := parseEdits(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, edits, tt.want)
		})
	}
}

func initProducerRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add("main.go")
	require.NoError(t, err)
	_, err = w.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir, repo
}

func ollamaStub(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.NotEmpty(t, req.Prompt)

		json.NewEncoder(w).Encode(generateResponse{
			Model:    req.Model,
			Response: answer,
			Done:     true,
		})
	}))
}

func TestOllamaProducerCommitsEdits(t *testing.T) {
	dir, repo := initProducerRepo(t)
	srv := ollamaStub(t, `[{"path": "main.go", "content": "package main // fixed\n"}]`)
	defer srv.Close()

	p := NewOllamaProducer(srv.URL, "qwen2.5:7b", dir, time.Minute, nil)
	d := &defect.Defect{ID: "42", Title: "[full] test suite failing", Body: "exit 1"}

	out, err := p.AttemptFix(context.Background(), d, nil)
	require.NoError(t, err)
	assert.True(t, out.Committed)
	require.NotEmpty(t, out.Ref)

	// The commit exists and carries the edit.
	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, out.Ref, head.Hash().String())

	content, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main // fixed\n", string(content))
}

func TestOllamaProducerEmptyEditListIsNoChange(t *testing.T) {
	dir, _ := initProducerRepo(t)
	srv := ollamaStub(t, `[]`)
	defer srv.Close()

	p := NewOllamaProducer(srv.URL, "qwen2.5:7b", dir, time.Minute, nil)
	out, err := p.AttemptFix(context.Background(), &defect.Defect{ID: "42"}, nil)

	require.NoError(t, err)
	assert.False(t, out.Committed)
	assert.Empty(t, out.Ref)
}

func TestOllamaProducerUnparsableAnswerIsNoChange(t *testing.T) {
	dir, _ := initProducerRepo(t)
	srv := ollamaStub(t, "Sorry, I can only describe the problem in prose.")
	defer srv.Close()

	p := NewOllamaProducer(srv.URL, "qwen2.5:7b", dir, time.Minute, nil)
	out, err := p.AttemptFix(context.Background(), &defect.Defect{ID: "42"}, nil)

	require.NoError(t, err)
	assert.False(t, out.Committed)
}

func TestOllamaProducerRejectsPathEscape(t *testing.T) {
	dir, _ := initProducerRepo(t)
	srv := ollamaStub(t, `[{"path": "../outside.go", "content": "x"}]`)
	defer srv.Close()

	p := NewOllamaProducer(srv.URL, "qwen2.5:7b", dir, time.Minute, nil)
	_, err := p.AttemptFix(context.Background(), &defect.Defect{ID: "42"}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEditOutsideRepo)
}

func TestOllamaProducerTruncatedGeneration(t *testing.T) {
	dir, _ := initProducerRepo(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Response: "[", Done: false})
	}))
	defer srv.Close()

	p := NewOllamaProducer(srv.URL, "qwen2.5:7b", dir, time.Minute, nil)
	_, err := p.AttemptFix(context.Background(), &defect.Defect{ID: "42"}, nil)

	assert.ErrorIs(t, err, ErrGenerationTruncated)
}

func TestOllamaProducerServerError(t *testing.T) {
	dir, _ := initProducerRepo(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllamaProducer(srv.URL, "missing-model", dir, time.Minute, nil)
	_, err := p.AttemptFix(context.Background(), &defect.Defect{ID: "42"}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
