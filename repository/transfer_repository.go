package repository

import (
	"fmt"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"
)

// TransferEvent is a snapshot of a transfer at the time it reached
// a terminal status. The event and notification repositories queue
// these.
type TransferEvent struct {
	Id       string
	Transfer *models.DataTransfer
	Time     time.Time
}

func NewTransferEvent(transfer *models.DataTransfer) *TransferEvent {
	return &TransferEvent{
		Id:       uuid.NewV4().String(),
		Transfer: transfer.Copy(),
		Time:     time.Now().UTC(),
	}
}

// TransferRepository caches the transfers a mover is working on. A
// transfer in this cache is active as far as the master is
// concerned: the cache wins over the database for that question.
// Cached values are never handed out; readers get copies.
type TransferRepository struct {
	*Repository[*models.DataTransfer]
	db            database.DataBase
	events        *EventRepository
	notifications *NotificationRepository
	log           *logging.Logger
}

type transferPolicy struct {
	repository *TransferRepository
}

func NewTransferRepository(config models.RepositoryConfig, db database.DataBase, events *EventRepository,
	notifications *NotificationRepository, log *logging.Logger) *TransferRepository {
	transferRepository := &TransferRepository{
		db:            db,
		events:        events,
		notifications: notifications,
		log:           log,
	}
	options := Options{
		Name:              "TransferRepository",
		Delay:             models.ParseDuration(config.Delay, time.Second),
		MaxAuthorisedSize: config.MaxAuthorisedSize,
		FlushLive:         true,
		FlushExpired:      true,
	}
	transferRepository.Repository = New[*models.DataTransfer](options, &transferPolicy{transferRepository}, log)
	return transferRepository
}

func (policy *transferPolicy) Key(transfer *models.DataTransfer) string {
	return transfer.Key()
}

func (policy *transferPolicy) Status(transfer *models.DataTransfer) string {
	return transfer.StatusName()
}

// Expired transfers reached a terminal status: they are flushed one
// last time, then leave the cache.
func (policy *transferPolicy) Expired(transfer *models.DataTransfer) bool {
	return constants.IsTerminalStatus(transfer.StatusCode)
}

func (policy *transferPolicy) Update(transfer *models.DataTransfer) error {
	if constants.IsTransientStatus(transfer.StatusCode) {
		policy.repository.log.Debugf("Not flushing transfer %d in status %s", transfer.Id, transfer.StatusCode)
		return nil
	}
	if err := policy.repository.db.UpdateDataTransfer(transfer); err != nil {
		return err
	}
	if !constants.IsTerminalStatus(transfer.StatusCode) {
		return nil
	}
	if transfer.Event && policy.repository.events != nil {
		policy.repository.events.Put(NewTransferEvent(transfer))
	}
	if transfer.RemoteMaster != "" && policy.repository.notifications != nil {
		policy.repository.notifications.Put(NewTransferEvent(transfer))
	}
	return nil
}

func (policy *transferPolicy) Less(a, b *models.DataTransfer) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Id < b.Id
}

// Cache stores a copy of the transfer.
func (transferRepository *TransferRepository) Cache(transfer *models.DataTransfer) {
	transferRepository.Put(transfer.Copy())
}

// GetDataTransferFromCache returns a copy of the cached transfer, or
// nil once it left the cache.
func (transferRepository *TransferRepository) GetDataTransferFromCache(id int64) *models.DataTransfer {
	transfer, ok := transferRepository.Get(fmt.Sprintf("%d", id))
	if !ok {
		return nil
	}
	return transfer.Copy()
}

// Executing returns copies of the cached EXEC transfers, all of
// them when destination is empty.
func (transferRepository *TransferRepository) Executing(destination string) []*models.DataTransfer {
	executing := make([]*models.DataTransfer, 0)
	for _, transfer := range transferRepository.List() {
		if transfer.StatusCode != constants.StatusTransferring {
			continue
		}
		if destination == "" || transfer.Destination == destination {
			executing = append(executing, transfer.Copy())
		}
	}
	return executing
}
