package app

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskReviewed  TaskStatus = "reviewed"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is the ephemeral unit of work inside a run. Tasks are not persisted;
// only their final textual contribution is appended to session history.
type Task struct {
	ID       string
	Role     string
	Input    string
	Status   TaskStatus
	Output   string
	Feedback string
	ErrKind  ProviderErrorKind
	// QualityNotGuaranteed marks a step whose reviewer still demanded
	// revisions when the iteration bound was reached.
	QualityNotGuaranteed bool
	CreatedAt            time.Time
	CompletedAt          time.Time
}

// RunResult is the outcome of a single-agent run.
type RunResult struct {
	Task Task
	Text string
}

// AggregateResult is the outcome of a collaboration pipeline. Partial success
// is a normal, reportable outcome: Failed lists the roles whose step failed
// after retries while Outputs keeps whatever the other roles produced.
type AggregateResult struct {
	Outputs map[string]string
	Tasks   []Task
	Failed  []string
}

const revisePrefix = "REVISE:"

// ReviewVerdict is the structured form of a reviewer response. The wire form
// stays the textual convention: a response starting with "REVISE:" demands
// another pass, anything else is an accept.
type ReviewVerdict struct {
	Revise  bool
	Comment string
}

func ParseReviewVerdict(text string) ReviewVerdict {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, revisePrefix) {
		return ReviewVerdict{
			Revise:  true,
			Comment: strings.TrimSpace(strings.TrimPrefix(trimmed, revisePrefix)),
		}
	}
	return ReviewVerdict{Comment: trimmed}
}
