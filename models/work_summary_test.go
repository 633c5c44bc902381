package models_test

import (
	"strings"
	"testing"
	"time"

	"github.com/ecpds/master/models"
	"github.com/stretchr/testify/assert"
)

func TestNewWorkSummary(t *testing.T) {
	s := models.NewWorkSummary()
	assert.NotNil(t, s.Errors)
	assert.Equal(t, 0, len(s.Errors))
	assert.True(t, s.StartedAt.IsZero())
	assert.True(t, s.FinishedAt.IsZero())
	assert.True(t, s.Retry)
}

func TestWorkSummaryStartFinish(t *testing.T) {
	s := models.NewWorkSummary()
	assert.False(t, s.Started())
	s.Start()
	assert.True(t, s.Started())
	assert.False(t, s.Finished())
	s.Finish()
	assert.True(t, s.Finished())
}

func TestWorkSummaryRuntime(t *testing.T) {
	s := models.NewWorkSummary()
	assert.EqualValues(t, 0, s.RunTime())
	now := time.Now()
	s.StartedAt = now.Add(-5 * time.Minute)
	s.FinishedAt = now
	assert.EqualValues(t, 5*time.Minute, s.RunTime())
}

func TestWorkSummarySucceeded(t *testing.T) {
	s := models.NewWorkSummary()
	assert.False(t, s.Succeeded())
	s.Finish()
	assert.True(t, s.Succeeded())
	s.AddError("Oopsie!")
	assert.False(t, s.Succeeded())
}

func TestWorkSummaryErrors(t *testing.T) {
	s := models.NewWorkSummary()
	assert.False(t, s.HasErrors())
	assert.Equal(t, "", s.FirstError())
	s.AddError("First error is number %d", 1)
	s.AddError("%s error is number %d", "Second", 2)
	assert.True(t, s.HasErrors())
	assert.Equal(t, "First error is number 1", s.FirstError())
	assert.Equal(t, "First error is number 1\nSecond error is number 2", s.AllErrorsAsString())
	s.ClearErrors()
	assert.Empty(t, s.Errors)
}

func TestWorkSummaryDescribe(t *testing.T) {
	s := models.NewWorkSummary()
	now := time.Now()
	s.StartedAt = now.Add(-2 * time.Second)
	s.FinishedAt = now
	s.Bytes = 4000000
	assert.Equal(t, "2.0 MB/s", s.Throughput())
	comment := s.Describe("Replicated", "mover-2")
	assert.True(t, strings.HasPrefix(comment, "Replicated 4.0 MB to mover-2 in 2s"), comment)
	assert.True(t, strings.HasSuffix(comment, "(2.0 MB/s)"), comment)

	s.Bytes = 0
	assert.Equal(t, "", s.Throughput())
}
