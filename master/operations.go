package master

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/ecpds/master/util/fileutil"
	"github.com/ecpds/master/util/mutex"
	"golang.org/x/sync/errgroup"
)

// ----- Schedulers -----

func (master *Master) PauseScheduler(name, user string) error {
	controller, err := master.controller(name)
	if err != nil {
		return err
	}
	controller.Pause()
	return master.AddChangeLog("scheduler", name, user, "paused")
}

func (master *Master) ResumeScheduler(name, user string) error {
	controller, err := master.controller(name)
	if err != nil {
		return err
	}
	controller.Resume()
	return master.AddChangeLog("scheduler", name, user, "resumed")
}

// SetMaxThreads changes the worker ceiling of a scheduler. Running
// workers are not interrupted when the ceiling goes down.
func (master *Master) SetMaxThreads(name string, maxThreads int, user string) error {
	if maxThreads < 1 {
		return fmt.Errorf("Max threads must be at least 1, got %d", maxThreads)
	}
	controller, err := master.controller(name)
	if err != nil {
		return err
	}
	previous := controller.MaxWorkers()
	controller.SetMaxWorkers(maxThreads)
	return master.AddChangeLog("scheduler", name, user,
		fmt.Sprintf("max threads %d -> %d", previous, maxThreads))
}

// InterruptWorker cancels the worker of the named scheduler running
// the item with the given key. It returns false when no such worker
// is running.
func (master *Master) InterruptWorker(name, key string) (bool, error) {
	controller, err := master.controller(name)
	if err != nil {
		return false, err
	}
	return controller.Interrupt(key), nil
}

// InterruptAll cancels every worker of the named scheduler.
func (master *Master) InterruptAll(name string) (int, error) {
	controller, err := master.controller(name)
	if err != nil {
		return 0, err
	}
	return controller.InterruptAll(), nil
}

// ----- Hosts and movers -----

// CheckHost runs the host check now, whether it is due or not.
func (master *Master) CheckHost(ctx context.Context, name string) error {
	host, err := master.DB.GetHost(name)
	if err != nil {
		return err
	}
	return master.hostCheck.Check(ctx, host)
}

// PurgeMovers clears the purge directories on every active mover, in
// parallel. It returns the number of movers purged and the first
// failure.
func (master *Master) PurgeMovers(ctx context.Context) (int, error) {
	directories := master.Config.PurgeDirectories
	if len(directories) == 0 {
		return 0, fmt.Errorf("No purge directories configured")
	}
	for _, directory := range directories {
		if !fileutil.LooksSafeToDelete(directory, 6, 2) {
			return 0, fmt.Errorf("Refusing to purge '%s' on the movers", directory)
		}
	}
	movers, err := master.Services.Movers("")
	if err != nil {
		return 0, err
	}
	var purged int32
	group := &errgroup.Group{}
	for _, mover := range movers {
		mover := mover
		group.Go(func() error {
			if err := mover.Purge(ctx, directories); err != nil {
				master.log.Warningf("Cannot purge %s: %v", mover.Name(), err)
				return err
			}
			atomic.AddInt32(&purged, 1)
			return nil
		})
	}
	err = group.Wait()
	master.log.Infof("Purged %d of %d movers", purged, len(movers))
	return int(purged), err
}

// MoverReport returns the human readable status of a mover.
func (master *Master) MoverReport(ctx context.Context, name string) (string, error) {
	node, err := master.Services.Node(name)
	if err != nil {
		return "", err
	}
	return node.GetReport(ctx)
}

// VolumeUsage returns the usage of the first n spool volumes of a
// mover.
func (master *Master) VolumeUsage(ctx context.Context, name string, n int) ([]network.VolumeUsage, error) {
	node, err := master.Services.Node(name)
	if err != nil {
		return nil, err
	}
	return node.ComputeVolumeUsage(ctx, n)
}

func (master *Master) CloseIncomingConnections(ctx context.Context, name string) error {
	node, err := master.Services.Node(name)
	if err != nil {
		return err
	}
	return node.CloseAllIncomingConnections(ctx)
}

// RegisterMover creates or replaces a mover. The cached client is
// dropped so the next call uses the new address.
func (master *Master) RegisterMover(server *models.TransferServer, user string) error {
	if server.Name == "" || server.Address == "" {
		return fmt.Errorf("Mover needs a name and an address")
	}
	if err := master.DB.InsertTransferServer(server); err != nil {
		return err
	}
	master.Services.Nodes.Remove(server.Name)
	master.log.Infof("Registered mover %s at %s in group %s", server.Name, server.Address, server.Group)
	if server.Active {
		master.wakeup(constants.SchedulerDownload)
		master.wakeup(constants.SchedulerTransmission)
	}
	return master.AddChangeLog("mover", server.Name, user,
		fmt.Sprintf("registered at %s in group %s (active=%t)", server.Address, server.Group, server.Active))
}

// RegisterProxy creates or replaces a proxy host.
func (master *Master) RegisterProxy(proxy *models.ProxyHost, user string) error {
	if proxy.Name == "" || proxy.Address == "" {
		return fmt.Errorf("Proxy needs a name and an address")
	}
	if err := master.DB.UpdateProxyHost(proxy); err != nil {
		return err
	}
	master.Services.Nodes.Remove(proxy.Name)
	return master.AddChangeLog("proxy", proxy.Name, user,
		fmt.Sprintf("registered at %s in group %s", proxy.Address, proxy.Group))
}

// ProxyHeartbeat records that a proxy is alive. An unknown proxy is
// registered from its heartbeat.
func (master *Master) ProxyHeartbeat(proxy *models.ProxyHost) error {
	if proxy.Name == "" {
		return fmt.Errorf("Heartbeat without a proxy name")
	}
	stored, err := master.DB.GetProxyHost(proxy.Name)
	switch {
	case database.IsNotFound(err):
		if err = master.RegisterProxy(proxy, constants.SystemUser); err != nil {
			return err
		}
		stored = proxy
	case err != nil:
		return err
	}
	wasAlive := master.Services.Proxies.IsAlive(proxy.Name)
	master.Services.Proxies.Heartbeat(stored)
	if !wasAlive {
		master.log.Infof("Proxy %s is alive", proxy.Name)
		master.wakeup(constants.SchedulerProxy)
	}
	return nil
}

// ----- Destinations -----

// StartDestination lets the transmission scheduler pick the
// transfers of a destination again.
func (master *Master) StartDestination(name, user string) error {
	err := master.setDestinationStatus(name, constants.DestinationRunning, user)
	if err == nil {
		master.wakeup(constants.SchedulerTransmission)
	}
	return err
}

// StopDestination stops a destination and asks the movers to stop
// its running transmissions. It returns the number of transmissions
// stopped.
func (master *Master) StopDestination(ctx context.Context, name, user string) (int, error) {
	if err := master.setDestinationStatus(name, constants.DestinationStopped, user); err != nil {
		return 0, err
	}
	stopped := 0
	comment := fmt.Sprintf("Destination %s stopped by %s", name, user)
	for _, dataTransfer := range master.Services.Transfers.Executing(name) {
		err := master.Manager.UpdateStatus(ctx, dataTransfer.Id, constants.StatusStopped, user, comment)
		if err != nil {
			master.log.Warningf("Cannot stop transfer %d of %s: %v", dataTransfer.Id, name, err)
			continue
		}
		stopped++
	}
	return stopped, nil
}

func (master *Master) setDestinationStatus(name, status, user string) error {
	return master.Services.Locks.Do(mutex.DestinationKey(name), func() error {
		destination, err := master.DB.GetDestination(name)
		if err != nil {
			return err
		}
		if destination.StatusCode == status {
			return nil
		}
		previous := destination.StatusCode
		destination.StatusCode = status
		if err = master.DB.UpdateDestination(destination); err != nil {
			return err
		}
		master.log.Infof("Destination %s is now %s (was %s)", name, status, previous)
		return master.AddChangeLog("destination", name, user, fmt.Sprintf("status %s -> %s", previous, status))
	})
}

// ImportDestination copies the definition of a destination from a
// peer master. The copy remembers where it came from.
func (master *Master) ImportDestination(ctx context.Context, remoteName, name, user string) (*models.Destination, error) {
	remote, ok := master.Context.RemoteMaster(remoteName)
	if !ok {
		return nil, fmt.Errorf("Unknown remote master %s", remoteName)
	}
	destination, err := remote.ImportDestination(ctx, name)
	if err != nil {
		return nil, err
	}
	destination.RemoteMaster = remoteName
	if err = master.DB.InsertDestination(destination); err != nil {
		return nil, err
	}
	return destination, master.AddChangeLog("destination", name, user, "imported from "+remoteName)
}

// ----- Transfers -----

// UpdateStatus is a status change requested by an operator. See
// transfer.Manager.UpdateStatus.
func (master *Master) UpdateStatus(ctx context.Context, id int64, code, user, comment string) error {
	if err := master.Manager.UpdateStatus(ctx, id, code, user, comment); err != nil {
		return err
	}
	switch code {
	case constants.StatusQueued, constants.StatusRequeued:
		master.wakeup(constants.SchedulerTransmission)
	case constants.StatusArriving:
		master.wakeup(constants.SchedulerDownload)
		master.wakeup(constants.SchedulerAcquisitionDownload)
	}
	return nil
}

// UpdateDownloadProgress records the bytes received so far by a
// running download. It returns false when no download of the file
// is running.
func (master *Master) UpdateDownloadProgress(dataFileId, bytes int64) bool {
	handle, ok := master.Services.Progress.GetProgress(dataFileId)
	if !ok {
		return false
	}
	handle.SetByteSent(bytes)
	return true
}

// ApplyMoverReport applies a mover report received through the
// operations service. Parse it with models.MoverReportFromJson.
func (master *Master) ApplyMoverReport(report *models.MoverReport) error {
	if err := master.Manager.Report(report); err != nil {
		master.Context.IncrementFailed()
		return err
	}
	master.Context.IncrementSucceeded()
	return nil
}

// UpdateRemoteStatus applies the outcome of a transfer this master
// forwarded to a peer. Updates for transfers that are already
// terminal are ignored.
func (master *Master) UpdateRemoteStatus(update *network.RemoteStatusUpdate) error {
	if _, ok := constants.StatusNames[update.StatusCode]; !ok {
		return fmt.Errorf("Unknown status %q from %s", update.StatusCode, update.Master)
	}
	dataTransfer, err := master.Manager.Transfer(update.RemoteId)
	if err != nil {
		return err
	}
	if constants.IsTerminalStatus(dataTransfer.StatusCode) {
		master.log.Debugf("Ignoring status %s from %s for finished transfer %d",
			update.StatusCode, update.Master, update.RemoteId)
		return nil
	}
	if update.SentBytes > 0 {
		dataTransfer.SentBytes = update.SentBytes
	}
	comment := update.Comment
	if comment == "" {
		comment = fmt.Sprintf("%s on %s", constants.StatusName(update.StatusCode), update.Master)
	}
	return master.Manager.Commit(dataTransfer, update.StatusCode, update.Master, comment,
		update.StatusCode == constants.StatusFailed)
}

// AddChangeLog records an operator change.
func (master *Master) AddChangeLog(object, key, user, change string) error {
	if user == "" {
		user = constants.SystemUser
	}
	return master.DB.InsertChangeLog(&models.ChangeLog{
		Object: object,
		Key:    key,
		User:   user,
		Change: change,
		Time:   master.Services.Now(),
	})
}
