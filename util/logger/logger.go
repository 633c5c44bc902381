package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	stdlog "log"
	"os"
	"path"
	"path/filepath"

	"github.com/ecpds/master/models"
	"github.com/op/go-logging"
)

/*
InitLogger creates and returns the process logger. Messages go to
<LogDirectory>/<process>.log, and also to stderr when
config.LogToStderr is set.
*/
func InitLogger(config *models.Config) *logging.Logger {
	processName := path.Base(os.Args[0])
	filename := fmt.Sprintf("%s.log", processName)
	filename = filepath.Join(config.AbsLogDirectory(), filename)
	if config.LogDirectory != "" {
		// If this fails, OpenFile fails right after.
		_ = os.MkdirAll(config.LogDirectory, 0755)
	}
	writer, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open log file '%s': %v\n", filename, err)
		os.Exit(1)
	}

	log := logging.MustGetLogger(processName)
	format := logging.MustStringFormatter("%{time} [%{level}] %{message}")
	logging.SetFormatter(format)

	logBackend := logging.NewLogBackend(writer, "", 0)
	if config.LogToStderr {
		stderrBackend := logging.NewLogBackend(os.Stderr, "", stdlog.LstdFlags|stdlog.Lshortfile)
		stderrBackend.Color = true
		logging.SetBackend(logBackend, stderrBackend)
	} else {
		logging.SetBackend(logBackend)
	}
	logging.SetLevel(config.LogLevel, processName)

	return log
}

// Journal appends transfer history rows to a file, one JSON object
// per line and nothing else, so it can be replayed into another
// system.
type Journal struct {
	out  *stdlog.Logger
	path string
}

func NewJournal(writer io.Writer) *Journal {
	return &Journal{out: stdlog.New(writer, "", 0)}
}

/*
InitJournal opens <LogDirectory>/<process>.json for appending. It
exits the process if the file cannot be opened.
*/
func InitJournal(config *models.Config) *Journal {
	filename := filepath.Join(config.AbsLogDirectory(), path.Base(os.Args[0])+".json")
	writer, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open journal '%s': %v\n", filename, err)
		os.Exit(1)
	}
	journal := NewJournal(writer)
	journal.path = filename
	return journal
}

// Path is empty for journals not backed by a file.
func (journal *Journal) Path() string {
	return journal.path
}

// Record writes one history row.
func (journal *Journal) Record(row *models.TransferHistory) error {
	if row == nil {
		return fmt.Errorf("nil history row")
	}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	journal.out.Println(string(data))
	return nil
}

/*
DiscardLogger returns a logger that writes to dev/null.
Suitable for use in testing.
*/
func DiscardLogger(module string) *logging.Logger {
	log := logging.MustGetLogger(module)
	devnull := logging.NewLogBackend(ioutil.Discard, "", 0)
	logging.SetBackend(devnull)
	logging.SetLevel(logging.INFO, module)
	return log
}

// DiscardJournal drops every row.
func DiscardJournal() *Journal {
	return NewJournal(ioutil.Discard)
}
