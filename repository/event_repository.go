package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/op/go-logging"
)

// EventRepository turns terminal transfers into Publication rows for
// the event scheduler.
type EventRepository struct {
	*Repository[*TransferEvent]
	db database.DataBase
	// OnInsert runs after each new publication, typically to wake
	// up the event scheduler.
	OnInsert func(*models.Publication)
}

type eventPolicy struct {
	repository *EventRepository
}

func NewEventRepository(config models.RepositoryConfig, db database.DataBase, log *logging.Logger) *EventRepository {
	eventRepository := &EventRepository{db: db}
	options := Options{
		Name:              "EventRepository",
		Delay:             models.ParseDuration(config.Delay, time.Second),
		MaxAuthorisedSize: config.MaxAuthorisedSize,
		FlushExpired:      true,
	}
	eventRepository.Repository = New[*TransferEvent](options, &eventPolicy{eventRepository}, log)
	return eventRepository
}

func (policy *eventPolicy) Key(event *TransferEvent) string {
	return event.Id
}

func (policy *eventPolicy) Status(event *TransferEvent) string {
	return event.Transfer.StatusName()
}

func (policy *eventPolicy) Expired(event *TransferEvent) bool {
	return true
}

func (policy *eventPolicy) Update(event *TransferEvent) error {
	destination, err := policy.repository.db.GetDestination(event.Transfer.Destination)
	if err != nil {
		return err
	}
	if destination.EventOptions == "" {
		return nil
	}
	publication := &models.Publication{
		DataTransferId: event.Transfer.Id,
		Options:        destination.EventOptions,
		ScheduledTime:  event.Time,
		Message:        fmt.Sprintf("%s %s", event.Transfer.StatusCode, event.Transfer.Target),
	}
	if err := policy.repository.db.InsertPublication(publication); err != nil {
		return err
	}
	if policy.repository.OnInsert != nil {
		policy.repository.OnInsert(publication)
	}
	return nil
}

func (policy *eventPolicy) Less(a, b *TransferEvent) bool {
	return a.Time.Before(b.Time)
}

// StatusNotifier is a peer master that wants to hear about the
// transfers it submitted to us.
type StatusNotifier interface {
	UpdateLocalTransferStatus(ctx context.Context, remoteId int64, transfer *models.DataTransfer) error
}

// NotifierLookup finds the peer master by name.
type NotifierLookup func(name string) (StatusNotifier, bool)

// NotificationRepository forwards terminal transfers to the peer
// master that submitted them. Failures are logged only.
type NotificationRepository struct {
	*Repository[*TransferEvent]
	lookup  NotifierLookup
	timeout time.Duration
}

type notificationPolicy struct {
	repository *NotificationRepository
}

func NewNotificationRepository(config models.RepositoryConfig, lookup NotifierLookup,
	log *logging.Logger) *NotificationRepository {
	notificationRepository := &NotificationRepository{
		lookup:  lookup,
		timeout: 30 * time.Second,
	}
	options := Options{
		Name:              "NotificationRepository",
		Delay:             models.ParseDuration(config.Delay, time.Second),
		MaxAuthorisedSize: config.MaxAuthorisedSize,
		FlushExpired:      true,
	}
	notificationRepository.Repository = New[*TransferEvent](options, &notificationPolicy{notificationRepository}, log)
	return notificationRepository
}

func (policy *notificationPolicy) Key(event *TransferEvent) string {
	return event.Id
}

func (policy *notificationPolicy) Status(event *TransferEvent) string {
	return event.Transfer.StatusName()
}

func (policy *notificationPolicy) Expired(event *TransferEvent) bool {
	return true
}

func (policy *notificationPolicy) Update(event *TransferEvent) error {
	notifier, ok := policy.repository.lookup(event.Transfer.RemoteMaster)
	if !ok {
		return fmt.Errorf("Unknown remote master %s for transfer %d",
			event.Transfer.RemoteMaster, event.Transfer.Id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), policy.repository.timeout)
	defer cancel()
	return notifier.UpdateLocalTransferStatus(ctx, event.Transfer.RemoteId, event.Transfer)
}

func (policy *notificationPolicy) Less(a, b *TransferEvent) bool {
	return a.Time.Before(b.Time)
}
