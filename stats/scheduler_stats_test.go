package stats_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ecpds/master/scheduler"
	"github.com/ecpds/master/stats"
	"github.com/ecpds/master/util/fileutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSchedulerStats() *stats.SchedulerStats {
	_stats := stats.NewSchedulerStats()
	_stats.StartTime = _stats.Time.Add(-2 * time.Hour)
	_stats.AddScheduler(scheduler.Stats{Name: "download", State: scheduler.StateRunning, Active: 3, MaxWorkers: 10})
	_stats.AddScheduler(scheduler.Stats{Name: "transmission", State: scheduler.StateRunning, Active: 2, Jammed: true,
		Threads: []string{"transmission-1", "transmission-2"}})
	_stats.AddScheduler(scheduler.Stats{Name: "purge", State: scheduler.StateStopped})
	_stats.Repositories["TransferRepository"] = 7
	_stats.Repositories["HistoryRepository"] = 0
	_stats.Tickets = 1
	_stats.ReportsSucceeded = 1200
	_stats.ReportsFailed = 3
	return _stats
}

func TestNewSchedulerStats(t *testing.T) {
	_stats := stats.NewSchedulerStats()
	require.NotNil(t, _stats)
	assert.NotNil(t, _stats.Schedulers)
	assert.NotNil(t, _stats.Repositories)
	assert.NotNil(t, _stats.Errors)
	assert.NotNil(t, _stats.Warnings)
	assert.False(t, _stats.Time.IsZero())
}

func TestSchedulerStats_FindScheduler(t *testing.T) {
	_stats := makeSchedulerStats()
	transmission := _stats.FindScheduler("transmission")
	require.NotNil(t, transmission)
	assert.True(t, transmission.Jammed)
	assert.Nil(t, _stats.FindScheduler("no_such_scheduler"))
	assert.Equal(t, 5, _stats.ActiveWorkers())
}

func TestSchedulerStats_ErrorsAndWarnings(t *testing.T) {
	_stats := makeSchedulerStats()
	assert.False(t, _stats.HasErrors())
	assert.False(t, _stats.HasWarnings())
	_stats.AddError("Cannot reach %s", "mover-a")
	_stats.AddWarning("Queue depth %d", 12)
	assert.True(t, _stats.HasErrors())
	assert.True(t, _stats.HasWarnings())
	assert.Equal(t, "Cannot reach mover-a", _stats.Errors[0])
	assert.Equal(t, "Queue depth 12", _stats.Warnings[0])
}

func TestSchedulerStats_Summary(t *testing.T) {
	summary := makeSchedulerStats().Summary()
	assert.Contains(t, summary, "3 schedulers (1 jammed)")
	assert.Contains(t, summary, "5 active workers")
	assert.Contains(t, summary, "7 cached transfers")
	assert.Contains(t, summary, "1,200 applied")
	assert.Contains(t, summary, "started 2 hours ago")

	assert.Contains(t, stats.NewSchedulerStats().Summary(), "not started")
}

func TestSchedulerStats_DumpToFile(t *testing.T) {
	_stats := makeSchedulerStats()
	tempfile, err := ioutil.TempFile("", "scheduler_stats_test.json")
	require.Nil(t, err)
	defer os.Remove(tempfile.Name())
	err = _stats.DumpToFile(tempfile.Name())
	require.Nil(t, err)
	assert.True(t, fileutil.FileExists(tempfile.Name()))
	tempFileStat, err := tempfile.Stat()
	require.Nil(t, err)
	assert.True(t, tempFileStat.Size() > 200)
}

func TestSchedulerStats_DumpToFileRefusesOverwrite(t *testing.T) {
	pathToFile := filepath.Join(t.TempDir(), "important.txt")
	require.Nil(t, ioutil.WriteFile(pathToFile, []byte("keep me"), 0644))
	err := makeSchedulerStats().DumpToFile(pathToFile)
	require.NotNil(t, err)
	data, err := ioutil.ReadFile(pathToFile)
	require.Nil(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestSchedulerStats_LoadFromFile(t *testing.T) {
	_stats := makeSchedulerStats()
	tempfile, err := ioutil.TempFile("", "scheduler_stats_test.json")
	require.Nil(t, err)
	defer os.Remove(tempfile.Name())
	require.Nil(t, _stats.DumpToFile(tempfile.Name()))

	newStats, err := stats.SchedulerStatsLoadFromFile(tempfile.Name())
	require.Nil(t, err)
	require.Len(t, newStats.Schedulers, 3)
	assert.Equal(t, "download", newStats.Schedulers[0].Name)
	assert.Equal(t, []string{"transmission-1", "transmission-2"}, newStats.Schedulers[1].Threads)
	assert.Equal(t, 7, newStats.Repositories["TransferRepository"])
	assert.EqualValues(t, 1200, newStats.ReportsSucceeded)
	assert.True(t, _stats.StartTime.Equal(newStats.StartTime))

	_, err = stats.SchedulerStatsLoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.NotNil(t, err)
}
