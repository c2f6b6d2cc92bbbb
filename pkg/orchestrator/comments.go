package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
	"github.com/fyrsmithlabs/mendd/pkg/testrun"
)

// maxCommentOutput caps how much raw test output is quoted into a
// tracker comment or defect body.
const maxCommentOutput = 16 * 1024

func defectBody(res *testrun.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The full test suite is failing (classification: %s, duration: %s).\n\n",
		res.Classification, res.Duration.Round(time.Millisecond))
	writeOutputBlock(&b, res.Output)
	return b.String()
}

func failureComment(a defect.Attempt, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attempt %d: tests still failing after commit %s.\n\n", a.Ordinal, a.Ref)
	writeOutputBlock(&b, output)
	return b.String()
}

func timeoutComment(a defect.Attempt, dur time.Duration) string {
	return fmt.Sprintf(
		"Attempt %d: test run timed out after %s (commit %s). A timeout is not a pass; the defect stays open.",
		a.Ordinal, dur.Round(time.Second), a.Ref)
}

func agentFailureComment(a defect.Attempt) string {
	return fmt.Sprintf(
		"Attempt %d: the fix agent produced no committed change. No test run was attempted.",
		a.Ordinal)
}

func closeComment(a defect.Attempt) string {
	return fmt.Sprintf(
		"Resolved on attempt %d: the full test suite passes at commit %s.",
		a.Ordinal, a.Ref)
}

func summaryComment(attempts []defect.Attempt, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration budget exhausted after %d of %d attempts. Leaving the defect open for a human.\n\n", len(attempts), max)
	for _, a := range attempts {
		if a.Ref != "" {
			fmt.Fprintf(&b, "%d. %s (commit %s)\n", a.Ordinal, a.Outcome, a.Ref)
		} else {
			fmt.Fprintf(&b, "%d. %s\n", a.Ordinal, a.Outcome)
		}
	}
	return b.String()
}

func writeOutputBlock(b *strings.Builder, output string) {
	if strings.TrimSpace(output) == "" {
		b.WriteString("(no test output captured)\n")
		return
	}
	b.WriteString("```\n")
	b.WriteString(truncate(output, maxCommentOutput))
	if !strings.HasSuffix(output, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
