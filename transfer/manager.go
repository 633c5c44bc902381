package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/ecpds/master/repository"
	"github.com/ecpds/master/ticket"
	"github.com/ecpds/master/util/mutex"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

// NodeLookup returns the client of the named mover.
type NodeLookup func(name string) (network.NodeClient, error)

// Manager applies status changes to transfers. Every change goes
// through Commit, which persists the transfer, writes exactly one
// history row and runs the completion hook on terminal statuses.
type Manager struct {
	db        database.DataBase
	transfers *repository.TransferRepository
	history   *repository.HistoryRepository
	tickets   *ticket.Registry
	nodes     NodeLookup
	mailer    network.Mailer
	locks     *mutex.Provider
	log       *logging.Logger

	pollRetries  int
	pollInterval time.Duration
	now          func() time.Time

	// OnRequeue runs after a transfer moved to RETR.
	OnRequeue func(*models.DataTransfer)
	// OnCompletion runs after a transfer reached a terminal status.
	OnCompletion func(*models.DataTransfer)
}

func NewManager(db database.DataBase, transfers *repository.TransferRepository, history *repository.HistoryRepository,
	tickets *ticket.Registry, nodes NodeLookup, mailer network.Mailer, locks *mutex.Provider,
	config *models.Config, log *logging.Logger) *Manager {
	_, retries, interval := config.TicketPolicy()
	return &Manager{
		db:           db,
		transfers:    transfers,
		history:      history,
		tickets:      tickets,
		nodes:        nodes,
		mailer:       mailer,
		locks:        locks,
		log:          log,
		pollRetries:  retries,
		pollInterval: interval,
		now:          time.Now,
	}
}

// SetClock replaces the clock used for finish and retry times.
func (manager *Manager) SetClock(now func() time.Time) {
	manager.now = now
}

// Transfer returns the current state of a transfer: the cached copy
// when a mover is working on it, the database row otherwise.
func (manager *Manager) Transfer(id int64) (*models.DataTransfer, error) {
	if cached := manager.transfers.GetDataTransferFromCache(id); cached != nil {
		return cached, nil
	}
	return manager.db.GetDataTransfer(id)
}

// UpdateStatus is a status change requested by a user. When a
// mover is executing the transfer, the mover is asked to close it
// and given a few polls to acknowledge; the change is forced
// locally if it never does.
func (manager *Manager) UpdateStatus(ctx context.Context, id int64, code, user, comment string) error {
	handle := manager.locks.Acquire(mutex.TransferKey(id))
	transfer, err := manager.Transfer(id)
	if err != nil {
		handle.Release()
		return err
	}
	dataFile, err := manager.db.GetDataFile(transfer.DataFileId)
	if err != nil && !database.IsNotFound(err) {
		handle.Release()
		return err
	}
	if err = CheckTransition(transfer, dataFile, code, manager.now()); err != nil {
		handle.Release()
		manager.log.Warningf("Refused status %s for transfer %d requested by %s: %v", code, id, user, err)
		return err
	}
	if comment == "" {
		comment = fmt.Sprintf("%s requested by %s", constants.StatusName(code), user)
	}
	executing := transfer.StatusCode == constants.StatusTransferring &&
		manager.transfers.GetDataTransferFromCache(id) != nil
	if !executing {
		defer handle.Release()
		return manager.commit(transfer, code, user, comment, false)
	}

	pending := ticket.NewTicket(code, comment, user)
	pending.OnExpired = func(expired *ticket.Ticket) {
		if err := manager.force(expired); err != nil {
			manager.log.Warningf("Cannot force %s: %v", expired.String(), err)
		}
	}
	err = manager.tickets.Add(pending, id)
	handle.Release()
	if err != nil {
		return errors.Wrapf(err, "adding ticket for transfer %d", id)
	}
	manager.closeOnMover(ctx, transfer)
	if pending.Wait(ctx, manager.pollRetries, manager.pollInterval) {
		manager.log.Infof("Mover acknowledged %s", pending.String())
		return nil
	}
	if ctx.Err() != nil {
		// The ticket expiry forces the change if the mover never
		// answers.
		manager.log.Infof("Caller gave up on %s", pending.String())
		return ctx.Err()
	}
	return manager.force(pending)
}

// force commits the status of a ticket the mover did not
// acknowledge, unless the transfer already left EXEC.
func (manager *Manager) force(pending *ticket.Ticket) error {
	id := pending.DataTransferId
	handle := manager.locks.Acquire(mutex.TransferKey(id))
	defer handle.Release()
	if current, ok := manager.tickets.Get(id); ok && current == pending {
		manager.tickets.Remove(id)
	}
	if pending.Completed() {
		return nil
	}
	transfer, err := manager.Transfer(id)
	if err != nil {
		return err
	}
	if transfer.StatusCode == pending.DesiredStatus {
		return nil
	}
	if transfer.StatusCode != constants.StatusTransferring || manager.transfers.GetDataTransferFromCache(id) == nil {
		manager.log.Infof("Dropping %s, transfer is now %s", pending.String(), transfer.StatusName())
		return nil
	}
	manager.log.Warningf("No acknowledgement for %s, forcing it", pending.String())
	return manager.commit(transfer, pending.DesiredStatus, pending.User, pending.Comment+" (forced)", false)
}

func (manager *Manager) closeOnMover(ctx context.Context, transfer *models.DataTransfer) {
	if transfer.TransferServer == "" || manager.nodes == nil {
		return
	}
	node, err := manager.nodes(transfer.TransferServer)
	if err == nil {
		err = node.Close(ctx, transfer)
	}
	if err != nil {
		manager.log.Warningf("Cannot close transfer %d on %s: %v", transfer.Id, transfer.TransferServer, err)
	}
}

// Commit moves the transfer to code and records it.
func (manager *Manager) Commit(transfer *models.DataTransfer, code, user, comment string, isError bool) error {
	handle := manager.locks.Acquire(mutex.TransferKey(transfer.Id))
	defer handle.Release()
	return manager.commit(transfer, code, user, comment, isError)
}

// Fail records a failed execution attempt: RETR while the
// destination allows requeues, FAIL after that.
func (manager *Manager) Fail(transfer *models.DataTransfer, user, comment string) error {
	handle := manager.locks.Acquire(mutex.TransferKey(transfer.Id))
	defer handle.Release()
	code := manager.requeueOrFail(transfer)
	return manager.commit(transfer, code, user, comment, true)
}

func (manager *Manager) requeueOrFail(transfer *models.DataTransfer) string {
	destination, err := manager.db.GetDestination(transfer.Destination)
	if err != nil {
		manager.log.Warningf("Cannot read destination of transfer %d: %v", transfer.Id, err)
		return constants.StatusFailed
	}
	if transfer.RequeueCount >= destination.MaxRequeue {
		return constants.StatusFailed
	}
	transfer.RetryTime = manager.now().UTC().Add(destination.RetryFrequency)
	return constants.StatusRequeued
}

func (manager *Manager) commit(transfer *models.DataTransfer, code, user, comment string, isError bool) error {
	now := manager.now().UTC()
	transfer.StatusCode = code
	transfer.Comment = comment
	transfer.UserStatus = user
	switch code {
	case constants.StatusQueued:
		transfer.QueueTime = now
	case constants.StatusTransferring:
		transfer.StartTime = now
		transfer.FinishTime = time.Time{}
		transfer.SentBytes = 0
		transfer.Duration = 0
	case constants.StatusRequeued:
		transfer.RequeueCount++
	case constants.StatusFailed:
		transfer.FailedCount++
	}
	terminal := constants.IsTerminalStatus(code)
	if terminal {
		transfer.FinishTime = finishTime(transfer, now)
		manager.mail(transfer, isError)
	}

	if err := manager.persist(transfer); err != nil {
		manager.log.Errorf("Cannot persist status %s of transfer %d: %v", code, transfer.Id, err)
		return err
	}
	manager.history.Add(models.NewTransferHistory(transfer, user, isError))
	manager.log.Infof("Transfer %d is now %s: %s", transfer.Id, transfer.StatusName(), comment)

	if code == constants.StatusRequeued && manager.OnRequeue != nil {
		manager.OnRequeue(transfer.Copy())
	}
	if terminal {
		manager.complete(transfer)
	}
	return nil
}

// persist writes the row. EXEC and terminal transfers go through
// the cache, which flushes them and propagates terminal ones to the
// event and notification repositories. Anything else leaves the
// cache. The cache is updated before the row so that a flush pass
// already writing an older value cannot land after it.
func (manager *Manager) persist(transfer *models.DataTransfer) error {
	key := transfer.Key()
	if transfer.StatusCode == constants.StatusTransferring || constants.IsTerminalStatus(transfer.StatusCode) {
		previous := manager.transfers.GetDataTransferFromCache(transfer.Id)
		manager.transfers.Cache(transfer)
		if err := manager.db.UpdateDataTransfer(transfer); err != nil {
			if previous != nil {
				manager.transfers.Cache(previous)
			} else {
				manager.transfers.Remove(key)
			}
			return err
		}
		return nil
	}
	// A terminal entry still waiting for its flush is propagated by
	// Evict before it goes.
	previous, cached := manager.transfers.Evict(key)
	if err := manager.db.UpdateDataTransfer(transfer); err != nil {
		if cached && !constants.IsTerminalStatus(previous.StatusCode) {
			manager.transfers.Put(previous)
		}
		return err
	}
	return nil
}

// finishTime is the start time plus the duration reported by the
// mover when both are known, else now.
func finishTime(transfer *models.DataTransfer, now time.Time) time.Time {
	if !transfer.StartTime.IsZero() && transfer.Duration > 0 {
		return transfer.StartTime.Add(transfer.Duration)
	}
	return now
}

func (manager *Manager) complete(transfer *models.DataTransfer) {
	if pending := manager.tickets.Remove(transfer.Id); pending != nil {
		pending.Complete()
	}
	if manager.OnCompletion != nil {
		manager.OnCompletion(transfer.Copy())
	}
	if transfer.StatusCode != constants.StatusDone {
		return
	}
	destination, err := manager.db.GetDestination(transfer.Destination)
	if err != nil || !destination.DeleteFromSpool {
		return
	}
	dataFile, err := manager.db.GetDataFile(transfer.DataFileId)
	if err != nil {
		manager.log.Warningf("Cannot delete file of transfer %d from spool: %v", transfer.Id, err)
		return
	}
	dataFile.Deleted = true
	if err = manager.db.UpdateDataFile(dataFile); err != nil {
		manager.log.Warningf("Cannot delete file %d from spool: %v", dataFile.Id, err)
	}
}

// mail notifies the destination user. After a failure mail, later
// failures of the same transfer are not mailed until it completes.
func (manager *Manager) mail(transfer *models.DataTransfer, isError bool) {
	if manager.mailer == nil {
		return
	}
	destination, err := manager.db.GetDestination(transfer.Destination)
	if err != nil || destination.UserMail == "" {
		return
	}
	switch {
	case isError:
		if !destination.MailOnError || transfer.ErrorMailSent {
			return
		}
	case transfer.StatusCode == constants.StatusDone:
		transfer.ErrorMailSent = false
		if !destination.MailOnEnd {
			return
		}
	default:
		return
	}
	subject := fmt.Sprintf("Transfer of %s to %s: %s", transfer.Target, transfer.Destination, transfer.StatusName())
	body := fmt.Sprintf("Transfer %d of %s to %s (host %s) is %s.\n\nSent: %s\nComment: %s\n",
		transfer.Id, transfer.Target, transfer.Destination, transfer.Host, transfer.StatusName(),
		humanize.Bytes(uint64(transfer.SentBytes)), transfer.Comment)
	err = manager.mailer.SendMail(destination.UserMail, "", subject, body, nil)
	if err != nil {
		manager.log.Warningf("Cannot mail %s about transfer %d: %v", destination.UserMail, transfer.Id, err)
		return
	}
	if isError {
		transfer.ErrorMailSent = true
	}
}

// Report applies a mover report. Reports about transfers that are
// not in the cache are ignored: the master no longer considers them
// active.
func (manager *Manager) Report(report *models.MoverReport) error {
	handle := manager.locks.Acquire(mutex.TransferKey(report.DataTransferId))
	defer handle.Release()
	transfer := manager.transfers.GetDataTransferFromCache(report.DataTransferId)
	if transfer == nil || constants.IsTerminalStatus(transfer.StatusCode) {
		manager.log.Debugf("Ignoring report from %s for inactive transfer %d",
			report.Mover, report.DataTransferId)
		return nil
	}
	if report.SentBytes > 0 {
		transfer.SentBytes = report.SentBytes
	}
	if report.Duration > 0 {
		transfer.Duration = report.Duration
	}
	if report.Progress {
		manager.transfers.Cache(transfer)
		return nil
	}

	code, user, comment := report.StatusCode, constants.SystemUser, report.Comment
	if comment == "" {
		comment = fmt.Sprintf("%s reported by %s", constants.StatusName(code), report.Mover)
	}
	pending, hasTicket := manager.tickets.Get(transfer.Id)
	if hasTicket {
		code, user, comment = pending.DesiredStatus, pending.User, pending.Comment
	} else if code == constants.StatusFailed {
		code = manager.requeueOrFail(transfer)
	}
	err := manager.commit(transfer, code, user, comment, code == constants.StatusFailed || code == constants.StatusRequeued)
	if hasTicket {
		manager.tickets.Remove(transfer.Id)
		pending.Complete()
	}
	return err
}
