package context

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"

	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/ecpds/master/util/logger"
	"github.com/minio/minio-go"
	"github.com/op/go-logging"
)

/*
Context sets up the items the master process shares between its
schedulers, repositories and services: config, logs, the database,
the NSQ client, the mailer and the peer masters. It also keeps
process-wide counters of mover reports.
*/
type Context struct {
	Config        *models.Config
	MessageLog    *logging.Logger
	Journal       *logger.Journal
	NSQClient     *network.NSQClient
	DB            *database.BoltStore
	Mailer        network.Mailer
	RemoteMasters map[string]*network.RemoteMaster
	pathToLogFile string
	succeeded     int64
	failed        int64
}

/*
Creates and returns a new Context object. Because some items are
absolutely required by the master, this exits the process if it
cannot set up logging or open the database.
*/
func NewContext(config *models.Config) (context *Context) {
	context = &Context{
		succeeded: int64(0),
		failed:    int64(0),
	}
	context.Config = config
	if _, err := config.EnsureLogDirectory(); err != nil {
		fmt.Fprintf(os.Stderr, "Exiting. Cannot create directories: %v\n", err)
		os.Exit(1)
	}
	processName := path.Base(os.Args[0])
	context.MessageLog = logger.InitLogger(config)
	context.pathToLogFile = filepath.Join(config.AbsLogDirectory(), processName+".log")
	context.Journal = logger.InitJournal(config)
	context.NSQClient = network.NewNSQClient(config.NsqdHttpAddress)
	context.initDatabase()
	context.initMailer()
	context.initRemoteMasters()
	return context
}

func (context *Context) initDatabase() {
	db, err := database.NewBoltStore(context.Config.DatabaseFile)
	if err != nil {
		message := fmt.Sprintf("Exiting. Cannot open database %s: %v", context.Config.DatabaseFile, err)
		fmt.Fprintln(os.Stderr, message)
		context.MessageLog.Fatal(message)
	}
	context.DB = db
}

// A nil mailer disables mail notifications.
func (context *Context) initMailer() {
	mailer := network.NewSMTPMailer(context.Config.Mail)
	if mailer == nil {
		context.MessageLog.Info("No mail server configured, notifications are disabled")
		return
	}
	context.Mailer = mailer
}

func (context *Context) initRemoteMasters() {
	hostname, _ := os.Hostname()
	context.RemoteMasters = make(map[string]*network.RemoteMaster)
	for name, url := range context.Config.RemoteMasters {
		context.RemoteMasters[name] = network.NewRemoteMaster(name, url, hostname)
	}
}

// RemoteMaster returns the client of the named peer master.
func (context *Context) RemoteMaster(name string) (*network.RemoteMaster, bool) {
	remoteMaster, ok := context.RemoteMasters[name]
	return remoteMaster, ok
}

// Close releases the database.
func (context *Context) Close() {
	if context.DB != nil {
		context.DB.Close()
	}
}

// Returns the number of mover reports that were applied.
func (context *Context) Succeeded() int64 {
	return atomic.LoadInt64(&context.succeeded)
}

// Returns the number of mover reports that could not be applied.
func (context *Context) Failed() int64 {
	return atomic.LoadInt64(&context.failed)
}

// Increases the count of successfully processed items by one.
func (context *Context) IncrementSucceeded() int64 {
	return atomic.AddInt64(&context.succeeded, 1)
}

// Increases the count of unsuccessfully processed items by one.
func (context *Context) IncrementFailed() int64 {
	return atomic.AddInt64(&context.failed, 1)
}

// Returns the path to this process' log file
func (context *Context) PathToLogFile() string {
	return context.pathToLogFile
}

// Returns the path to this process' transfer journal
func (context *Context) PathToJournal() string {
	return context.Journal.Path()
}

// Logs info about the number of reports that have succeeded and failed.
func (context *Context) LogStats() {
	context.MessageLog.Infof("**STATS** Succeeded: %d, Failed: %d",
		context.Succeeded(), context.Failed())
}

// GetS3Client returns a Minio client. For url param, do not include
// protocol. E.g. Use "example.com" not "https://example.com".
func (context *Context) GetS3Client(url, accessKeyId, secretAccessKey string, secure bool) (*minio.Client, error) {
	return minio.New(url, accessKeyId, secretAccessKey, secure)
}

// S3ClientFor builds the client of an S3 proxy location. Credentials
// come from ECPDS_S3_ACCESS_KEY_ID and ECPDS_S3_SECRET_ACCESS_KEY.
func (context *Context) S3ClientFor(location *network.S3Location) (*minio.Client, error) {
	return context.GetS3Client(location.Endpoint,
		os.Getenv("ECPDS_S3_ACCESS_KEY_ID"),
		os.Getenv("ECPDS_S3_SECRET_ACCESS_KEY"),
		location.Secure)
}
