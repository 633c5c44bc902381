package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ecpds/master/scheduler"
	"github.com/ecpds/master/util/fileutil"
)

// SchedulerStats is the status report of the master: what each
// scheduler is doing, how full the caches are and how the mover
// reports went. The master logs it on demand and dumps it to the
// stats file on shutdown.
type SchedulerStats struct {
	Time             time.Time
	StartTime        time.Time
	Schedulers       []scheduler.Stats
	Repositories     map[string]int
	Tickets          int
	Locks            int
	ReportsSucceeded int64
	ReportsFailed    int64
	ReportQueueDepth int64
	Errors           []string
	Warnings         []string
}

// NewSchedulerStats creates a new, empty SchedulerStats object.
func NewSchedulerStats() *SchedulerStats {
	return &SchedulerStats{
		Time:         time.Now().UTC(),
		Schedulers:   make([]scheduler.Stats, 0),
		Repositories: make(map[string]int),
		Errors:       make([]string, 0),
		Warnings:     make([]string, 0),
	}
}

// SchedulerStatsLoadFromFile loads SchedulerStats from a JSON file.
func SchedulerStatsLoadFromFile(pathToFile string) (*SchedulerStats, error) {
	_stats := &SchedulerStats{}
	if err := fileutil.JsonFileToObject(pathToFile, _stats); err != nil {
		return nil, fmt.Errorf("Error loading stats from '%s': %v", pathToFile, err)
	}
	return _stats, nil
}

// AddScheduler adds the snapshot of one scheduler.
func (stats *SchedulerStats) AddScheduler(schedulerStats scheduler.Stats) {
	stats.Schedulers = append(stats.Schedulers, schedulerStats)
}

// FindScheduler returns the snapshot of the named scheduler, or
// nil.
func (stats *SchedulerStats) FindScheduler(name string) *scheduler.Stats {
	for i := range stats.Schedulers {
		if stats.Schedulers[i].Name == name {
			return &stats.Schedulers[i]
		}
	}
	return nil
}

// ActiveWorkers returns the number of workers running across all
// schedulers.
func (stats *SchedulerStats) ActiveWorkers() int {
	active := 0
	for _, schedulerStats := range stats.Schedulers {
		active += schedulerStats.Active
	}
	return active
}

func (stats *SchedulerStats) AddError(format string, a ...interface{}) {
	stats.Errors = append(stats.Errors, fmt.Sprintf(format, a...))
}

func (stats *SchedulerStats) HasErrors() bool {
	return len(stats.Errors) > 0
}

func (stats *SchedulerStats) AddWarning(format string, a ...interface{}) {
	stats.Warnings = append(stats.Warnings, fmt.Sprintf(format, a...))
}

func (stats *SchedulerStats) HasWarnings() bool {
	return len(stats.Warnings) > 0
}

// Summary is the one-line version of the report, for the log.
func (stats *SchedulerStats) Summary() string {
	jammed := 0
	for _, schedulerStats := range stats.Schedulers {
		if schedulerStats.Jammed {
			jammed++
		}
	}
	uptime := "not started"
	if !stats.StartTime.IsZero() {
		uptime = "started " + humanize.RelTime(stats.StartTime, stats.Time, "ago", "from now")
	}
	return fmt.Sprintf("%d schedulers (%d jammed), %d active workers, %d cached transfers, "+
		"%d tickets, reports %s applied and %s failed, %s",
		len(stats.Schedulers), jammed, stats.ActiveWorkers(), stats.Repositories["TransferRepository"],
		stats.Tickets, humanize.Comma(stats.ReportsSucceeded), humanize.Comma(stats.ReportsFailed), uptime)
}

// DumpToFile dumps a JSON representation of this object to a file at the specified
// path. This will overwrite the existing file, if the existing file has
// a .json extension. See also SchedulerStatsLoadFromFile.
func (stats *SchedulerStats) DumpToFile(pathToFile string) error {
	// Matches .json, or tempfile with random ending, like .json43272
	fileNameLooksSafe, err := regexp.MatchString("\\.json\\d*$", pathToFile)
	if err != nil {
		return fmt.Errorf("DumpToFile(): path '%s'?? : %v", pathToFile, err)
	}
	if fileutil.FileExists(pathToFile) && !fileNameLooksSafe {
		return fmt.Errorf("DumpToFile() will not overwrite existing file "+
			"'%s' because that might be dangerous. Give your output file a .json "+
			"extension to be safe.", pathToFile)
	}

	jsonData, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}

	outputFile, err := os.Create(pathToFile)
	if err != nil {
		return err
	}
	defer outputFile.Close()
	_, err = outputFile.Write(jsonData)
	return err
}
