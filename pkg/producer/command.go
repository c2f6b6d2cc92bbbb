package producer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
)

// CommandProducer delegates fix work to an external agent CLI.
//
// The briefing is written to the agent's stdin and the defect id is
// exposed in its environment. Whether a commit was produced is decided
// by comparing the repository HEAD before and after the invocation,
// not by anything the agent prints.
type CommandProducer struct {
	name     string
	args     []string
	repoPath string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewCommandProducer creates a producer that execs name with args in
// the repository at repoPath.
func NewCommandProducer(name string, args []string, repoPath string, timeout time.Duration, logger *zap.Logger) *CommandProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &CommandProducer{
		name:     name,
		args:     args,
		repoPath: repoPath,
		timeout:  timeout,
		logger:   logger,
	}
}

// AttemptFix implements ChangeProducer.
func (p *CommandProducer) AttemptFix(ctx context.Context, d *defect.Defect, prior []defect.Attempt) (Outcome, error) {
	before, err := headRef(p.repoPath)
	if err != nil {
		return Outcome{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.name, p.args...)
	cmd.Dir = p.repoPath
	cmd.Stdin = strings.NewReader(Briefing(d, prior))
	cmd.Env = append(cmd.Environ(),
		"MENDD_DEFECT_ID="+d.ID,
		fmt.Sprintf("MENDD_ATTEMPT=%d", len(prior)+1),
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = 5 * time.Second

	p.logger.Info("invoking fix producer",
		zap.String("command", p.name),
		zap.String("defect_id", d.ID),
		zap.Int("prior_attempts", len(prior)))

	if err := cmd.Run(); err != nil {
		return Outcome{}, fmt.Errorf("producer command %s: %w (output: %s)",
			p.name, err, truncate(output.String(), 2048))
	}

	after, err := headRef(p.repoPath)
	if err != nil {
		return Outcome{}, err
	}

	if after == before {
		p.logger.Info("producer made no change", zap.String("defect_id", d.ID))
		return Outcome{}, nil
	}

	p.logger.Info("producer committed change",
		zap.String("defect_id", d.ID),
		zap.String("ref", after))
	return Outcome{Committed: true, Ref: after}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
