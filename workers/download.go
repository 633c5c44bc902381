package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/ecpds/master/progress"
)

// DownloadPolicy retrieves source files into the spool of a mover.
// There are two schedulers on it: one for the files submitted by
// users and one for the files found by the acquisition.
type DownloadPolicy struct {
	services    *Services
	acquisition bool
	config      models.SchedulerConfig
	retryDelay  time.Duration
	maxDuration time.Duration
	table       *progress.Table
}

func NewDownloadPolicy(services *Services, acquisition bool) *DownloadPolicy {
	name := constants.SchedulerDownload
	if acquisition {
		name = constants.SchedulerAcquisitionDownload
	}
	config := services.schedulerConfig(name)
	return &DownloadPolicy{
		services:    services,
		acquisition: acquisition,
		config:      config,
		retryDelay:  models.ParseDuration(config.RetryDelay, 5*time.Minute),
		maxDuration: models.ParseDuration(config.MaxDuration, time.Hour),
		table:       progress.NewTable(),
	}
}

// Table holds the progress of the running downloads.
func (policy *DownloadPolicy) Table() *progress.Table {
	return policy.table
}

func (policy *DownloadPolicy) SelectCandidates(ctx context.Context, batchSize int) ([]*models.DataFile, error) {
	return policy.services.DB.GetDataFilesToDownload(policy.acquisition, batchSize)
}

func (policy *DownloadPolicy) Key(dataFile *models.DataFile) string {
	return fmt.Sprintf("%d", dataFile.Id)
}

func (policy *DownloadPolicy) MaxWorkers() int {
	return maxThreads(policy.config, 10)
}

// Admit limits the concurrent downloads from the same source host.
func (policy *DownloadPolicy) Admit(dataFile *models.DataFile, active []*models.DataFile) bool {
	if policy.config.MaxThreadsPerHost <= 0 {
		return true
	}
	sourceOf := func(item *models.DataFile) string { return item.Source }
	return countActive(active, dataFile.Source, sourceOf) < policy.config.MaxThreadsPerHost
}

// Run moves the waiting transfers of the file to FETC, gets the file
// through the first mover of its group that succeeds, and moves them
// to WAIT. On failure the transfers stay in FETC and the file is
// selected again after the retry delay.
func (policy *DownloadPolicy) Run(ctx context.Context, dataFile *models.DataFile) error {
	services := policy.services
	if policy.config.AutoInterrupt {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.maxDuration)
		defer cancel()
	}
	waiting, err := policy.waitingTransfers(dataFile)
	if err != nil || len(waiting) == 0 {
		return err
	}
	for _, dataTransfer := range waiting {
		if dataTransfer.StatusCode != constants.StatusArriving {
			continue
		}
		comment := fmt.Sprintf("Retrieving %s", dataFile.Original)
		if err = services.Manager.Commit(dataTransfer, constants.StatusFetching, constants.SystemUser, comment, false); err != nil {
			return err
		}
	}

	host, err := services.DB.GetHost(dataFile.Source)
	if err != nil && !database.IsNotFound(err) {
		return err
	}
	group := dataFile.TransferGroup
	if group == "" && host != nil {
		group = host.TransferGroup
	}

	handle := progress.NewHandle(policy.Key(dataFile), dataFile.Original, dataFile.Id, dataFile.Size)
	policy.table.Register(handle)
	defer policy.table.Unregister(dataFile.Id)
	defer handle.Close()

	summary := models.NewWorkSummary()
	summary.Start()
	var result *network.GetResult
	var mover network.NodeClient
	movers, err := services.Movers(group)
	if err != nil {
		summary.AddError("%v", err)
	}
	for _, mover = range movers {
		request := &network.GetRequest{
			DataFileId: dataFile.Id,
			Host:       host,
			Original:   dataFile.Original,
			Target:     dataFile.SpoolPath(),
		}
		result, err = mover.Get(ctx, request)
		if err == nil {
			break
		}
		summary.AddError("%v", err)
		if ctx.Err() != nil {
			break
		}
	}
	summary.Finish()
	if result == nil {
		return policy.failed(dataFile, waiting, summary)
	}

	handle.SetByteSent(result.Size)
	summary.Bytes = result.Size
	summary.Node = mover.Name()
	current, err := services.DB.GetDataFile(dataFile.Id)
	if err != nil {
		return err
	}
	current.Downloaded = true
	current.ArrivedTime = services.Now()
	current.TransferServer = mover.Name()
	current.DownloadCount++
	current.RetryTime = time.Time{}
	if result.Size > 0 {
		current.Size = result.Size
	}
	if result.Checksum != "" {
		current.Checksum = result.Checksum
	}
	if err = services.DB.UpdateDataFile(current); err != nil {
		return err
	}

	comment := summary.Describe("Retrieved", mover.Name())
	for _, dataTransfer := range waiting {
		latest, err := services.Manager.Transfer(dataTransfer.Id)
		if err != nil {
			services.Log.Warningf("Cannot read transfer %d after download: %v", dataTransfer.Id, err)
			continue
		}
		if latest.StatusCode != constants.StatusFetching {
			continue
		}
		if err = services.Manager.Commit(latest, constants.StatusQueued, constants.SystemUser, comment, false); err != nil {
			services.Log.Warningf("Cannot queue transfer %d: %v", latest.Id, err)
		}
	}
	services.Log.Infof("File %d: %s", dataFile.Id, comment)
	return nil
}

// waitingTransfers returns the live transfers of the file that wait
// for the download.
func (policy *DownloadPolicy) waitingTransfers(dataFile *models.DataFile) ([]*models.DataTransfer, error) {
	dataTransfers, err := policy.services.DB.GetDataTransfersByDataFile(dataFile.Id)
	if err != nil {
		return nil, err
	}
	now := policy.services.Now()
	waiting := make([]*models.DataTransfer, 0, len(dataTransfers))
	for _, dataTransfer := range dataTransfers {
		if dataTransfer.Deleted || dataTransfer.IsExpired(now) {
			continue
		}
		if dataTransfer.StatusCode == constants.StatusArriving || dataTransfer.StatusCode == constants.StatusFetching {
			waiting = append(waiting, dataTransfer)
		}
	}
	return waiting, nil
}

func (policy *DownloadPolicy) failed(dataFile *models.DataFile, waiting []*models.DataTransfer,
	summary *models.WorkSummary) error {
	services := policy.services
	current, err := services.DB.GetDataFile(dataFile.Id)
	if err == nil {
		current.RetryTime = services.Now().Add(policy.retryDelay)
		err = services.DB.UpdateDataFile(current)
	}
	if err != nil {
		services.Log.Warningf("Cannot defer download of file %d: %v", dataFile.Id, err)
	}
	comment := fmt.Sprintf("Retrieval of %s failed: %s", dataFile.Original, summary.FirstError())
	for _, dataTransfer := range waiting {
		services.Record(dataTransfer, constants.StatusFetching, comment, true)
	}
	return fmt.Errorf("%s", summary.AllErrorsAsString())
}
