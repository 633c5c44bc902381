package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// WorkSummary describes the outcome of one worker run: when it
// started and finished, how many bytes it moved and what went wrong.
// Workers turn it into history comments.
type WorkSummary struct {
	// Errors is a list of strings describing errors that occurred
	// during the run.
	Errors []string

	// StartedAt is zero until the worker starts.
	StartedAt time.Time

	// FinishedAt is zero until the worker finishes. The run may
	// have finished without succeeding; see Succeeded().
	FinishedAt time.Time

	// Bytes is the number of bytes the remote node reported
	// moving.
	Bytes int64

	// Node is the mover or proxy that did the work.
	Node string

	// Retry indicates whether the scheduler should select the
	// item again. Only errors that can never succeed set this to
	// false.
	Retry bool
}

func NewWorkSummary() *WorkSummary {
	return &WorkSummary{
		Errors:     make([]string, 0),
		StartedAt:  time.Time{},
		FinishedAt: time.Time{},
		Retry:      true,
	}
}

func (summary *WorkSummary) Start() {
	summary.StartedAt = time.Now().UTC()
}

func (summary *WorkSummary) Started() bool {
	return !summary.StartedAt.IsZero()
}

func (summary *WorkSummary) Finish() {
	summary.FinishedAt = time.Now().UTC()
}

func (summary *WorkSummary) Finished() bool {
	return !summary.FinishedAt.IsZero()
}

func (summary *WorkSummary) RunTime() time.Duration {
	startTime := summary.StartedAt
	if startTime.IsZero() {
		return time.Duration(0)
	}
	endTime := summary.FinishedAt
	if endTime.IsZero() {
		endTime = time.Now()
	}
	return endTime.Sub(startTime)
}

func (summary *WorkSummary) Succeeded() bool {
	return summary.Finished() && len(summary.Errors) == 0
}

func (summary *WorkSummary) AddError(format string, a ...interface{}) {
	summary.Errors = append(summary.Errors, fmt.Sprintf(format, a...))
}

func (summary *WorkSummary) ClearErrors() {
	summary.Errors = make([]string, 0)
}

func (summary *WorkSummary) HasErrors() bool {
	return len(summary.Errors) > 0
}

func (summary *WorkSummary) FirstError() string {
	firstError := ""
	if len(summary.Errors) > 0 {
		firstError = summary.Errors[0]
	}
	return firstError
}

func (summary *WorkSummary) AllErrorsAsString() string {
	if len(summary.Errors) > 0 {
		return strings.Join(summary.Errors, "\n")
	}
	return ""
}

// Throughput returns a human readable rate, e.g. "12 MB/s", or
// an empty string when nothing was measured.
func (summary *WorkSummary) Throughput() string {
	seconds := summary.RunTime().Seconds()
	if summary.Bytes <= 0 || seconds <= 0 {
		return ""
	}
	return humanize.Bytes(uint64(float64(summary.Bytes)/seconds)) + "/s"
}

// Describe returns the history comment for a successful run, such
// as "Replicated 3.2 MB to mover-2 in 1.5s (2.1 MB/s)".
func (summary *WorkSummary) Describe(action, target string) string {
	comment := fmt.Sprintf("%s %s to %s in %s", action,
		humanize.Bytes(uint64(summary.Bytes)), target,
		summary.RunTime().Round(time.Millisecond))
	if throughput := summary.Throughput(); throughput != "" {
		comment += " (" + throughput + ")"
	}
	return comment
}
