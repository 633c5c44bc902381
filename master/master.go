// Package master wires the repositories, the transfer manager and
// the schedulers of an ECPDS master node, and exposes the operations
// the HTTP service and the peer masters call.
package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ecpds/master/constants"
	ecpdscontext "github.com/ecpds/master/context"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/ecpds/master/progress"
	"github.com/ecpds/master/repository"
	"github.com/ecpds/master/scheduler"
	"github.com/ecpds/master/script"
	"github.com/ecpds/master/stats"
	"github.com/ecpds/master/ticket"
	"github.com/ecpds/master/transfer"
	"github.com/ecpds/master/util/mutex"
	"github.com/ecpds/master/workers"
	"github.com/nsqio/go-nsq"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

// ErrNotConfigured is returned by the operations naming a scheduler
// that is disabled or does not exist.
var ErrNotConfigured = errors.New("scheduler not configured")

const scriptTimeout = 10 * time.Second

// Master owns everything the schedulers share. Build it with New,
// then Start it; Stop flushes the caches and dumps the stats.
type Master struct {
	Context       *ecpdscontext.Context
	Config        *models.Config
	DB            database.DataBase
	Services      *workers.Services
	Manager       *transfer.Manager
	Tickets       *ticket.Registry
	Events        *repository.EventRepository
	Notifications *repository.NotificationRepository

	log        *logging.Logger
	hostCheck  *workers.HostCheckPolicy
	names      []string
	schedulers map[string]scheduler.Controller
	consumer   *nsq.Consumer

	mutex     sync.Mutex
	cancel    context.CancelFunc
	startTime time.Time
}

// New builds the master from the context. Nodes may be nil, in
// which case the clients of the movers and proxies are built from
// their addresses.
func New(_context *ecpdscontext.Context, nodes *network.NodeRegistry) (*Master, error) {
	if _context.DB == nil {
		return nil, fmt.Errorf("Context has no database")
	}
	config := _context.Config
	log := _context.MessageLog
	if nodes == nil {
		timeout := models.ParseDuration(config.MoverTimeout, 5*time.Minute)
		nodes = network.NewNodeRegistry(network.NewNodeFactory(timeout, _context.S3ClientFor))
	}
	lookup := func(name string) (repository.StatusNotifier, bool) {
		remoteMaster, ok := _context.RemoteMaster(name)
		if !ok {
			return nil, false
		}
		return remoteMaster, true
	}
	ttl, _, _ := config.TicketPolicy()

	master := &Master{
		Context:       _context,
		Config:        config,
		DB:            _context.DB,
		Tickets:       ticket.NewRegistry(ttl, log),
		Events:        repository.NewEventRepository(config.EventRepository, _context.DB, log),
		Notifications: repository.NewNotificationRepository(config.NotificationRepository, lookup, log),
		log:           log,
		schedulers:    make(map[string]scheduler.Controller),
	}
	services := &workers.Services{
		Config: config,
		DB:     _context.DB,
		History: repository.NewHistoryRepository(config.HistoryRepository, _context.DB,
			_context.Journal, log),
		Proxies: repository.NewProxyHostRepository(config.ProxyHostRepository,
			models.ParseDuration(config.ProxyTimeout, 2*time.Minute), _context.DB, log),
		Nodes:     nodes,
		Locks:     mutex.NewProvider(),
		Progress:  progress.NewRegistry(),
		Evaluator: script.NewEngine(scriptTimeout),
		Mailer:    _context.Mailer,
		Log:       log,
	}
	services.Transfers = repository.NewTransferRepository(config.TransferRepository, _context.DB,
		master.Events, master.Notifications, log)
	if _context.NSQClient != nil {
		services.Publisher = _context.NSQClient
	}
	services.Manager = transfer.NewManager(_context.DB, services.Transfers, services.History, master.Tickets,
		services.Node, _context.Mailer, services.Locks, config, log)
	master.Services = services
	master.Manager = services.Manager
	master.hostCheck = workers.NewHostCheckPolicy(services)

	master.Manager.OnCompletion = master.transferCompleted
	master.Manager.OnRequeue = func(*models.DataTransfer) { master.wakeup(constants.SchedulerTransmission) }
	master.Events.OnInsert = func(*models.Publication) { master.wakeup(constants.SchedulerEvent) }

	if err := master.buildSchedulers(); err != nil {
		master.Tickets.Close()
		return nil, err
	}
	return master, nil
}

// buildSchedulers creates the enabled schedulers. The download
// policies are always built: their tables are the first progress
// sources, in the order acquisition then dissemination.
func (master *Master) buildSchedulers() error {
	services := master.Services
	acquisitionDownload := workers.NewDownloadPolicy(services, true)
	download := workers.NewDownloadPolicy(services, false)
	services.Progress.AddSource(acquisitionDownload.Table())
	services.Progress.AddSource(download.Table())

	for _, name := range master.Config.EnabledSchedulers() {
		var err error
		switch name {
		case constants.SchedulerAcquisition:
			err = addScheduler[*models.DestinationHost](master, name, workers.NewAcquisitionPolicy(services, master))
		case constants.SchedulerDownload:
			err = addScheduler[*models.DataFile](master, name, download)
		case constants.SchedulerAcquisitionDownload:
			err = addScheduler[*models.DataFile](master, name, acquisitionDownload)
		case constants.SchedulerTransmission:
			err = addScheduler[*models.DataTransfer](master, name, workers.NewTransmissionPolicy(services))
		case constants.SchedulerReplicate:
			err = addScheduler[*workers.CopyJob](master, name, workers.NewReplicatePolicy(services))
		case constants.SchedulerBackup:
			err = addScheduler[*workers.CopyJob](master, name, workers.NewBackupPolicy(services))
		case constants.SchedulerProxy:
			err = addScheduler[*workers.CopyJob](master, name, workers.NewProxyPolicy(services))
		case constants.SchedulerFilter:
			err = addScheduler[*models.DataFile](master, name, workers.NewFilterPolicy(services))
		case constants.SchedulerPurge:
			err = addScheduler[*models.DataFile](master, name, workers.NewPurgePolicy(services))
		case constants.SchedulerEvent:
			err = addScheduler[*models.Publication](master, name, workers.NewEventPolicy(services))
		case constants.SchedulerHostCheck:
			err = addScheduler[*models.Host](master, name, master.hostCheck)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func addScheduler[T any](master *Master, name string, policy scheduler.Policy[T]) error {
	config, _ := master.Config.SchedulerConfig(name)
	settings, err := scheduler.SettingsFromConfig(config)
	if err != nil {
		return fmt.Errorf("Invalid settings for scheduler %s: %v", name, err)
	}
	master.schedulers[name] = scheduler.New[T](name, policy, settings, master.log)
	master.names = append(master.names, name)
	return nil
}

// Scheduler returns the named scheduler, and false when it is
// disabled or unknown.
func (master *Master) Scheduler(name string) (scheduler.Controller, bool) {
	controller, ok := master.schedulers[name]
	return controller, ok
}

// SchedulerNames returns the names of the configured schedulers, in
// start order.
func (master *Master) SchedulerNames() []string {
	names := make([]string, len(master.names))
	copy(names, master.names)
	return names
}

func (master *Master) controller(name string) (scheduler.Controller, error) {
	controller, ok := master.Scheduler(name)
	if !ok {
		return nil, errors.Wrapf(ErrNotConfigured, "%s", name)
	}
	return controller, nil
}

func (master *Master) wakeup(name string) {
	if controller, ok := master.Scheduler(name); ok {
		controller.Wakeup()
	}
}

// transferCompleted records the accounting row of a successful
// transmission.
func (master *Master) transferCompleted(dataTransfer *models.DataTransfer) {
	if dataTransfer.StatusCode != constants.StatusDone {
		return
	}
	row := &models.UploadHistory{
		DataTransferId: dataTransfer.Id,
		Kind:           constants.UploadTransmission,
		Mover:          dataTransfer.TransferServer,
		Target:         dataTransfer.Host,
		Bytes:          dataTransfer.SentBytes,
		Duration:       dataTransfer.Duration,
		Time:           dataTransfer.FinishTime,
	}
	if err := master.DB.InsertUploadHistory(row); err != nil {
		master.log.Warningf("Cannot record transmission of transfer %d: %v", dataTransfer.Id, err)
	}
}

// Start runs the repositories, the schedulers and the mover report
// consumer until ctx is cancelled or Stop is called.
func (master *Master) Start(ctx context.Context) error {
	master.mutex.Lock()
	defer master.mutex.Unlock()
	if master.cancel != nil {
		return fmt.Errorf("Master is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	master.Services.Transfers.Start()
	master.Services.History.Start()
	master.Services.Proxies.Start()
	master.Events.Start()
	master.Notifications.Start()
	for _, name := range master.names {
		if err := master.schedulers[name].Start(ctx); err != nil {
			master.log.Warningf("%v", err)
		}
	}
	if err := master.startConsumer(); err != nil {
		cancel()
		master.stopLocked()
		return err
	}
	master.cancel = cancel
	master.startTime = time.Now().UTC()
	master.log.Infof("Master started with schedulers %v", master.names)
	return nil
}

// startConsumer subscribes to the mover reports. Without an
// nsqlookupd the reports only arrive through the HTTP service.
func (master *Master) startConsumer() error {
	workerConfig := &master.Config.MoverReportWorker
	if master.Config.NsqLookupd == "" || workerConfig.NsqTopic == "" {
		master.log.Info("No NSQ lookup address, mover reports come through the operations service only")
		return nil
	}
	consumer, err := workers.NewMoverReportConsumer(workerConfig,
		workers.NewMoverReportHandler(master.Context, master.Manager), master.log)
	if err != nil {
		return fmt.Errorf("Cannot create mover report consumer: %v", err)
	}
	if err = consumer.ConnectToNSQLookupd(master.Config.NsqLookupd); err != nil {
		consumer.Stop()
		return fmt.Errorf("Cannot connect to NSQ lookup at %s: %v", master.Config.NsqLookupd, err)
	}
	master.consumer = consumer
	master.log.Infof("Reading mover reports from topic %s at %s", workerConfig.NsqTopic, master.Config.NsqLookupd)
	return nil
}

// Stop ends the schedulers, flushes the repositories and dumps the
// status report to the stats file, if one is configured.
func (master *Master) Stop() {
	master.mutex.Lock()
	defer master.mutex.Unlock()
	if master.cancel == nil {
		return
	}
	report := master.stopLocked()
	master.cancel()
	master.cancel = nil
	if master.Config.StatsFile != "" {
		if err := report.DumpToFile(master.Config.StatsFile); err != nil {
			master.log.Errorf("Cannot dump stats to %s: %v", master.Config.StatsFile, err)
		}
	}
	master.log.Infof("Master stopped: %s", report.Summary())
}

func (master *Master) stopLocked() *stats.SchedulerStats {
	if master.consumer != nil {
		master.consumer.Stop()
		<-master.consumer.StopChan
		master.consumer = nil
	}
	for i := len(master.names) - 1; i >= 0; i-- {
		master.schedulers[master.names[i]].Stop()
	}
	report := master.report(master.startTime)
	// Transfers first: its flush feeds the event and notification
	// repositories.
	master.Services.Transfers.Stop()
	master.Events.Stop()
	master.Notifications.Stop()
	master.Services.History.Stop()
	master.Services.Proxies.Stop()
	master.Tickets.Close()
	return report
}

// IsRunning returns true between Start and Stop.
func (master *Master) IsRunning() bool {
	master.mutex.Lock()
	defer master.mutex.Unlock()
	return master.cancel != nil
}

// Report returns the status report of the master.
func (master *Master) Report() *stats.SchedulerStats {
	master.mutex.Lock()
	startTime := master.startTime
	master.mutex.Unlock()
	return master.report(startTime)
}

func (master *Master) report(startTime time.Time) *stats.SchedulerStats {
	report := stats.NewSchedulerStats()
	report.StartTime = startTime
	for _, name := range master.names {
		schedulerStats := master.schedulers[name].Stats()
		if schedulerStats.Jammed {
			report.AddWarning("Scheduler %s is jammed", name)
		}
		report.AddScheduler(schedulerStats)
	}
	report.Repositories[master.Services.Transfers.Name()] = master.Services.Transfers.Len()
	report.Repositories[master.Services.History.Name()] = master.Services.History.Len()
	report.Repositories[master.Services.Proxies.Name()] = master.Services.Proxies.Len()
	report.Repositories[master.Events.Name()] = master.Events.Len()
	report.Repositories[master.Notifications.Name()] = master.Notifications.Len()
	report.Tickets = master.Tickets.Len()
	report.Locks = master.Services.Progress.Len()
	report.ReportsSucceeded = master.Context.Succeeded()
	report.ReportsFailed = master.Context.Failed()
	if master.Context.NSQClient != nil {
		nsqStats, err := master.Context.NSQClient.GetStats()
		if err != nil {
			report.AddWarning("Cannot read NSQ stats: %v", err)
		} else {
			report.ReportQueueDepth = nsqStats.TopicDepth(master.Config.MoverReportWorker.NsqTopic)
		}
	}
	return report
}
