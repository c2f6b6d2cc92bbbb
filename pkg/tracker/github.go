package tracker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
)

// Lease markers are embedded in the issue body as an HTML comment so
// they survive round-trips through the GitHub UI without rendering.
const leaseMarker = "<!-- mendd:lease holder=%q expires=%q -->"

var leaseMarkerRe = regexp.MustCompile(`(?m)^<!-- mendd:lease holder="([^"]*)" expires="([^"]*)" -->\s*$`)

// NewGitHubClient creates a GitHub client with token authentication.
func NewGitHubClient(ctx context.Context, token string) (*github.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return github.NewClient(tc), nil
}

// GitHubStore persists defects as GitHub issues.
//
// Dedup scans open issues carrying the tool label and compares
// normalized titles. The advisory lease is a marker in the issue body,
// updated via issue edits; a stale marker from a crashed worker is
// simply overwritten once expired.
type GitHubStore struct {
	client *github.Client
	owner  string
	repo   string
	retry  *RetryConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewGitHubStore creates a store over owner/repo.
func NewGitHubStore(client *github.Client, owner, repo string, logger *zap.Logger) *GitHubStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubStore{
		client: client,
		owner:  owner,
		repo:   repo,
		retry:  DefaultRetryConfig(),
		logger: logger,
		now:    time.Now,
	}
}

// FindOpenByKey implements Store. With multiple matches the lowest
// issue number wins, so a dedup race that slipped past CreateIfAbsent
// still resolves deterministically.
func (s *GitHubStore) FindOpenByKey(ctx context.Context, key string) (*defect.Defect, error) {
	issue, err := s.findOpenIssue(ctx, key)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, fmt.Errorf("%w: key %q", ErrNotFound, key)
	}
	return s.issueToDefect(issue), nil
}

func (s *GitHubStore) findOpenIssue(ctx context.Context, key string) (*github.Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{ToolLabel},
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var best *github.Issue
	for {
		var issues []*github.Issue
		resp, err := retryGitHubOperation(ctx, s.retry, s.logger, func() (*github.Response, error) {
			var opErr error
			var opResp *github.Response
			issues, opResp, opErr = s.client.Issues.ListByRepo(ctx, s.owner, s.repo, opts)
			return opResp, opErr
		})
		if err != nil {
			return nil, fmt.Errorf("listing issues: %w", err)
		}

		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			if defect.Key(issue.GetTitle()) != key {
				continue
			}
			if best == nil || issue.GetNumber() < best.GetNumber() {
				best = issue
			}
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return best, nil
}

// CreateIfAbsent implements Store.
//
// GitHub offers no server-side uniqueness, so this is find-then-create.
// A concurrent creation slipping between the two calls is resolved at
// the next FindOpenByKey, where the lowest issue number wins and the
// duplicate eventually goes stale.
func (s *GitHubStore) CreateIfAbsent(ctx context.Context, title, body string, labels []string) (*defect.Defect, bool, error) {
	key := defect.Key(title)

	existing, err := s.findOpenIssue(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		d := s.issueToDefect(existing)
		if err := s.Comment(ctx, d, fmt.Sprintf("Duplicate trigger: %q matched this defect.", title)); err != nil {
			return nil, false, fmt.Errorf("commenting duplicate trigger: %w", err)
		}
		return d, false, nil
	}

	allLabels := labels
	if !containsLabel(labels, ToolLabel) {
		allLabels = append(append([]string{}, labels...), ToolLabel)
	}

	req := &github.IssueRequest{
		Title:  github.String(title),
		Body:   github.String(body),
		Labels: &allLabels,
	}

	var issue *github.Issue
	_, err = retryGitHubOperation(ctx, s.retry, s.logger, func() (*github.Response, error) {
		var opErr error
		var opResp *github.Response
		issue, opResp, opErr = s.client.Issues.Create(ctx, s.owner, s.repo, req)
		return opResp, opErr
	})
	if err != nil {
		return nil, false, fmt.Errorf("creating issue: %w", err)
	}

	s.logger.Info("defect filed",
		zap.Int("issue", issue.GetNumber()),
		zap.String("dedup_key", key))

	return s.issueToDefect(issue), true, nil
}

// Comment implements Store.
func (s *GitHubStore) Comment(ctx context.Context, d *defect.Defect, text string) error {
	number, err := issueNumber(d)
	if err != nil {
		return err
	}

	comment := &github.IssueComment{Body: github.String(text)}
	_, err = retryGitHubOperation(ctx, s.retry, s.logger, func() (*github.Response, error) {
		_, opResp, opErr := s.client.Issues.CreateComment(ctx, s.owner, s.repo, number, comment)
		return opResp, opErr
	})
	if err != nil {
		return fmt.Errorf("commenting on issue %d: %w", number, err)
	}
	return nil
}

// Close implements Store. Re-closing returns ErrClosed without a
// second comment, keeping double-runs harmless.
func (s *GitHubStore) Close(ctx context.Context, d *defect.Defect, text string) error {
	number, err := issueNumber(d)
	if err != nil {
		return err
	}

	issue, err := s.getIssue(ctx, number)
	if err != nil {
		return err
	}
	if issue.GetState() == "closed" {
		return fmt.Errorf("%w: issue %d", ErrClosed, number)
	}

	if err := s.Comment(ctx, d, text); err != nil {
		return err
	}

	req := &github.IssueRequest{State: github.String("closed")}
	_, err = retryGitHubOperation(ctx, s.retry, s.logger, func() (*github.Response, error) {
		_, opResp, opErr := s.client.Issues.Edit(ctx, s.owner, s.repo, number, req)
		return opResp, opErr
	})
	if err != nil {
		return fmt.Errorf("closing issue %d: %w", number, err)
	}

	d.State = defect.StateClosed
	s.logger.Info("defect closed", zap.Int("issue", number))
	return nil
}

// AcquireLease implements Store. The get-then-edit sequence is not
// atomic: two workers racing on an un-leased issue can both write their
// marker. The lease is advisory; a rare double-run is tolerated and the
// idempotent close absorbs it.
func (s *GitHubStore) AcquireLease(ctx context.Context, d *defect.Defect, holder string, ttl time.Duration) (bool, error) {
	number, err := issueNumber(d)
	if err != nil {
		return false, err
	}

	issue, err := s.getIssue(ctx, number)
	if err != nil {
		return false, err
	}

	now := s.now()
	current := parseLease(issue.GetBody())
	if current.Active(now) && current.Holder != holder {
		return false, nil
	}

	lease := defect.Lease{Holder: holder, Expires: now.Add(ttl)}
	body := setLease(issue.GetBody(), lease)
	if err := s.editBody(ctx, number, body); err != nil {
		return false, err
	}

	d.Lease = lease
	return true, nil
}

// ReleaseLease implements Store.
func (s *GitHubStore) ReleaseLease(ctx context.Context, d *defect.Defect, holder string) error {
	number, err := issueNumber(d)
	if err != nil {
		return err
	}

	issue, err := s.getIssue(ctx, number)
	if err != nil {
		return err
	}

	current := parseLease(issue.GetBody())
	if current.Holder != holder {
		// Expired and taken over, or never held. Leave it alone.
		return nil
	}

	if err := s.editBody(ctx, number, stripLease(issue.GetBody())); err != nil {
		return err
	}
	d.Lease = defect.Lease{}
	return nil
}

func (s *GitHubStore) getIssue(ctx context.Context, number int) (*github.Issue, error) {
	var issue *github.Issue
	_, err := retryGitHubOperation(ctx, s.retry, s.logger, func() (*github.Response, error) {
		var opErr error
		var opResp *github.Response
		issue, opResp, opErr = s.client.Issues.Get(ctx, s.owner, s.repo, number)
		return opResp, opErr
	})
	if err != nil {
		return nil, fmt.Errorf("getting issue %d: %w", number, err)
	}
	return issue, nil
}

func (s *GitHubStore) editBody(ctx context.Context, number int, body string) error {
	req := &github.IssueRequest{Body: github.String(body)}
	_, err := retryGitHubOperation(ctx, s.retry, s.logger, func() (*github.Response, error) {
		_, opResp, opErr := s.client.Issues.Edit(ctx, s.owner, s.repo, number, req)
		return opResp, opErr
	})
	if err != nil {
		return fmt.Errorf("editing issue %d: %w", number, err)
	}
	return nil
}

func (s *GitHubStore) issueToDefect(issue *github.Issue) *defect.Defect {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}

	state := defect.StateOpen
	if issue.GetState() == "closed" {
		state = defect.StateClosed
	}

	return &defect.Defect{
		ID:        strconv.Itoa(issue.GetNumber()),
		Title:     issue.GetTitle(),
		Body:      stripLease(issue.GetBody()),
		Labels:    labels,
		State:     state,
		DedupKey:  defect.Key(issue.GetTitle()),
		CreatedAt: issue.GetCreatedAt().Time,
		Lease:     parseLease(issue.GetBody()),
	}
}

func issueNumber(d *defect.Defect) (int, error) {
	n, err := strconv.Atoi(d.ID)
	if err != nil {
		return 0, fmt.Errorf("defect id %q is not an issue number: %w", d.ID, err)
	}
	return n, nil
}

func containsLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// parseLease extracts the lease marker from an issue body.
func parseLease(body string) defect.Lease {
	m := leaseMarkerRe.FindStringSubmatch(body)
	if m == nil {
		return defect.Lease{}
	}
	expires, err := time.Parse(time.RFC3339, m[2])
	if err != nil {
		return defect.Lease{}
	}
	return defect.Lease{Holder: m[1], Expires: expires}
}

// setLease replaces (or appends) the lease marker in an issue body.
func setLease(body string, l defect.Lease) string {
	marker := fmt.Sprintf(leaseMarker, l.Holder, l.Expires.UTC().Format(time.RFC3339))
	stripped := stripLease(body)
	if stripped == "" {
		return marker
	}
	return stripped + "\n\n" + marker
}

// stripLease removes the lease marker from an issue body.
func stripLease(body string) string {
	return strings.TrimSpace(leaseMarkerRe.ReplaceAllString(body, ""))
}
