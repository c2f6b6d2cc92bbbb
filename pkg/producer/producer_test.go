package producer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
)

func TestBriefingWithoutPriorAttempts(t *testing.T) {
	d := &defect.Defect{
		ID:    "42",
		Title: "[full] test suite failing",
		Body:  "exit status 1\n\n--- FAIL: TestParse",
	}

	b := Briefing(d, nil)

	assert.Contains(t, b, "Defect 42")
	assert.Contains(t, b, "[full] test suite failing")
	assert.Contains(t, b, "--- FAIL: TestParse")
	assert.NotContains(t, b, "Prior attempts")
}

func TestBriefingListsPriorAttemptsChronologically(t *testing.T) {
	d := &defect.Defect{ID: "42", Title: "[full] test suite failing"}
	prior := []defect.Attempt{
		{DefectID: "42", Ordinal: 1, Ref: "aaa111", Timestamp: time.Now(), Outcome: defect.OutcomeTestFailed},
		{DefectID: "42", Ordinal: 2, Timestamp: time.Now(), Outcome: defect.OutcomeAgentFailed},
		{DefectID: "42", Ordinal: 3, Ref: "ccc333", Timestamp: time.Now(), Outcome: defect.OutcomeTestTimeout},
	}

	b := Briefing(d, prior)

	assert.Contains(t, b, "Prior attempts")
	assert.Contains(t, b, "1. test_failed (commit aaa111)")
	assert.Contains(t, b, "2. agent_failed")
	assert.Contains(t, b, "3. test_timeout (commit ccc333)")

	// Chronological order: earlier attempts render first.
	assert.Less(t, strings.Index(b, "1. test_failed"), strings.Index(b, "2. agent_failed"))
	assert.Less(t, strings.Index(b, "2. agent_failed"), strings.Index(b, "3. test_timeout"))
}
