package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/util/fileutil"
	"github.com/op/go-logging"
)

type WorkerConfig struct {
	// This describes how often the NSQ client should ping
	// the NSQ server to let it know it's still there. The
	// setting must be formatted like so:
	//
	// "800ms" for 800 milliseconds
	// "10s" for ten seconds
	// "1m" for one minute
	HeartbeatInterval string

	// The maximum number of times NSQ should deliver a mover
	// report before we give up on it.
	MaxAttempts uint16

	// Maximum number of reports a consumer will accept from the
	// queue at one time.
	MaxInFlight int

	// If the NSQ server does not hear from a client that a
	// message is complete in this amount of time, the server
	// re-queues it.
	MessageTimeout string

	// The name of the NSQ Channel the worker should read from.
	NsqChannel string

	// The name of the NSQ Topic the worker should listen to.
	NsqTopic string

	// This describes how long the NSQ client will wait for
	// a read from the NSQ server before timing out. The format
	// is the same as for HeartbeatInterval.
	ReadTimeout string

	// Number of go routines handling messages.
	Workers int

	// This describes how long the NSQ client will wait for
	// a write to the NSQ server to complete before timing out.
	WriteTimeout string
}

// SchedulerConfig holds the settings shared by every scheduler.
// Durations use the same format as WorkerConfig.HeartbeatInterval.
type SchedulerConfig struct {
	// Disabled schedulers are not created at all, and operations
	// that name them return ErrNotConfigured.
	Disabled bool

	// How long to sleep after a step that dispatched nothing.
	Delay string

	// How long to sleep after a step that dispatched something.
	MinimumWait string

	// Maximum number of concurrent workers.
	MaxThreads int

	// The number of candidates selected per step is
	// BatchFactor * MaxThreads.
	BatchFactor int

	// Workers running longer than this are interrupted. Empty
	// means no watchdog.
	JammedTimeout string

	// Active time ranges, formatted "HH:MM-HH:MM". Empty means
	// always active.
	TimeRanges []string

	// Second-level ceiling for the replicate scheduler: maximum
	// concurrent workers reading from the same source mover.
	MaxThreadsPerMover int

	// Second-level ceiling for backup and proxy schedulers, and
	// per-source ceiling for downloads: maximum concurrent
	// workers writing to (or reading from) the same host.
	MaxThreadsPerHost int

	// Acquisition and download workers running longer than this
	// are interrupted when AutoInterrupt is set.
	MaxDuration   string
	AutoInterrupt bool

	// How long a failed download waits before it is selected
	// again.
	RetryDelay string
}

// RepositoryConfig describes the flush loop of one storage
// repository.
type RepositoryConfig struct {
	Delay             string
	MaxAuthorisedSize int
}

// MailConfig describes the SMTP server used for transfer
// notifications.
type MailConfig struct {
	Server   string
	Port     int
	User     string
	Password string
	From     string
}

type Config struct {
	// ActiveConfig is the configuration currently
	// in use.
	ActiveConfig string

	// Path to the BoltDB file holding the system of record.
	DatabaseFile string

	// LogDirectory is where we'll write our log files.
	LogDirectory string

	// If true, processes will log to STDERR in addition
	// to their standard log files. You really only want
	// to do this in development.
	LogToStderr bool

	// LogLevel is defined in github.com/op/go-logging
	// and should be one of the following:
	// 1 - CRITICAL
	// 2 - ERROR
	// 3 - WARNING
	// 4 - NOTICE
	// 5 - INFO
	// 6 - DEBUG
	LogLevel logging.Level

	// The URL of the local nsqd's HTTP service. This is
	// typically something like http://localhost:4151.
	NsqdHttpAddress string

	// The URL of the local nsqlookupd's HTTP service. Mover
	// report consumers connect through this.
	NsqLookupd string

	// Consumer of the reports the movers send back to the
	// master (progress, completion, failure).
	MoverReportWorker WorkerConfig

	// Topic that receives events for publications carrying
	// the nsq marker.
	EventTopic string

	// Port for the HTTP operations service.
	ServicePort int

	// Where to dump scheduler stats on shutdown. Empty means
	// no dump.
	StatsFile string

	// Repositories.
	TransferRepository     RepositoryConfig
	HistoryRepository      RepositoryConfig
	EventRepository        RepositoryConfig
	NotificationRepository RepositoryConfig
	ProxyHostRepository    RepositoryConfig

	// Proxies that have not sent a heartbeat for this long are
	// dropped from the proxy repository.
	ProxyTimeout string

	// Timeout of each request to a mover.
	MoverTimeout string

	// Tickets not completed within TicketTimeout are expired.
	// TicketPollRetries and TicketPollInterval bound how long a
	// stop request waits for the mover to acknowledge a close
	// before it forces the status locally.
	TicketTimeout      string
	TicketPollRetries  int
	TicketPollInterval string

	// Mail server for transfer notifications. An empty server
	// disables mail.
	Mail MailConfig

	// Directories on the movers cleared by the purge-movers
	// operation.
	PurgeDirectories []string

	// Peer masters, by name, with the base URL of their
	// operations service.
	RemoteMasters map[string]string

	// Scheduler settings, keyed by the names in
	// constants.SchedulerNames.
	Schedulers map[string]SchedulerConfig
}

// This returns the configuration that the user requested,
// which is specified in the -config flag when we run a
// program from the command line
func LoadConfigFile(pathToConfigFile string) (*Config, error) {
	file, err := fileutil.LoadRelativeFile(pathToConfigFile)
	if err != nil {
		detailedError := fmt.Errorf("Error reading config file '%s': %v\n",
			pathToConfigFile, err)
		return nil, detailedError
	}
	config := &Config{}
	err = json.Unmarshal(file, config)
	if err != nil {
		detailedError := fmt.Errorf("Error parsing JSON from config file '%s': %v",
			pathToConfigFile, err)
		return nil, detailedError
	}
	config.ActiveConfig = pathToConfigFile
	return config, nil
}

// Ensures that the logging directory and the directory of the
// database file exist, creating them if necessary. Returns the
// absolute path the logging directory.
func (config *Config) EnsureLogDirectory() (string, error) {
	config.ExpandFilePaths()
	err := config.createDirectories()
	if err != nil {
		return "", err
	}
	return config.AbsLogDirectory(), nil
}

func (config *Config) AbsLogDirectory() string {
	absLogDir, err := filepath.Abs(config.LogDirectory)
	if err != nil {
		msg := fmt.Sprintf("Cannot get absolute path to log directory. "+
			"config.LogDirectory is set to '%s'", config.LogDirectory)
		panic(msg)
	}
	return absLogDir
}

// Expands ~ file paths to absolute paths.
func (config *Config) ExpandFilePaths() {
	expanded, err := fileutil.ExpandTilde(config.LogDirectory)
	if err == nil {
		config.LogDirectory = expanded
	}
	expanded, err = fileutil.ExpandTilde(config.DatabaseFile)
	if err == nil {
		config.DatabaseFile = expanded
	}
	expanded, err = fileutil.ExpandTilde(config.StatsFile)
	if err == nil {
		config.StatsFile = expanded
	}
}

func (config *Config) createDirectories() error {
	if config.LogDirectory == "" {
		return fmt.Errorf("You must define config.LogDirectory")
	}
	if config.DatabaseFile == "" {
		return fmt.Errorf("You must define config.DatabaseFile")
	}
	for _, dir := range []string{config.LogDirectory, filepath.Dir(config.DatabaseFile)} {
		if !fileutil.FileExists(dir) {
			err := os.MkdirAll(dir, 0755)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// SchedulerConfig returns the settings for the named scheduler,
// and false if the config file has no section for it.
func (config *Config) SchedulerConfig(name string) (SchedulerConfig, bool) {
	schedulerConfig, ok := config.Schedulers[name]
	return schedulerConfig, ok
}

// EnabledSchedulers returns the names of the schedulers that have
// a config section and are not disabled, in the order of
// constants.SchedulerNames.
func (config *Config) EnabledSchedulers() []string {
	names := make([]string, 0)
	for _, name := range constants.SchedulerNames {
		schedulerConfig, ok := config.Schedulers[name]
		if ok && !schedulerConfig.Disabled {
			names = append(names, name)
		}
	}
	return names
}

// TicketPolicy returns the ticket timeout, poll retry count and
// poll interval, falling back to five hours, five polls and one
// second.
func (config *Config) TicketPolicy() (timeout time.Duration, retries int, interval time.Duration) {
	timeout = ParseDuration(config.TicketTimeout, 5*time.Hour)
	retries = config.TicketPollRetries
	if retries <= 0 {
		retries = 5
	}
	interval = ParseDuration(config.TicketPollInterval, time.Second)
	return timeout, retries, interval
}

// ParseDuration parses a duration string from the config file,
// returning defaultValue when the string is empty or invalid.
func ParseDuration(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}
