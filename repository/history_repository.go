package repository

import (
	"time"

	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/util/logger"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"
)

type historyEntry struct {
	key string
	row *models.TransferHistory
}

// HistoryRepository queues transfer history rows and inserts them
// on the next flush. Each row is also written to the journal, one
// JSON object per line.
type HistoryRepository struct {
	*Repository[*historyEntry]
	db      database.DataBase
	journal *logger.Journal
}

type historyPolicy struct {
	repository *HistoryRepository
}

func NewHistoryRepository(config models.RepositoryConfig, db database.DataBase, journal *logger.Journal,
	log *logging.Logger) *HistoryRepository {
	historyRepository := &HistoryRepository{
		db:      db,
		journal: journal,
	}
	options := Options{
		Name:              "HistoryRepository",
		Delay:             models.ParseDuration(config.Delay, time.Second),
		MaxAuthorisedSize: config.MaxAuthorisedSize,
		FlushExpired:      true,
	}
	historyRepository.Repository = New[*historyEntry](options, &historyPolicy{historyRepository}, log)
	return historyRepository
}

// Add queues one history row.
func (historyRepository *HistoryRepository) Add(row *models.TransferHistory) {
	historyRepository.Put(&historyEntry{
		key: uuid.NewV4().String(),
		row: row,
	})
}

func (policy *historyPolicy) Key(entry *historyEntry) string {
	return entry.key
}

func (policy *historyPolicy) Status(entry *historyEntry) string {
	return entry.row.StatusCode
}

func (policy *historyPolicy) Expired(entry *historyEntry) bool {
	return true
}

func (policy *historyPolicy) Update(entry *historyEntry) error {
	if err := policy.repository.db.InsertTransferHistory(entry.row); err != nil {
		return err
	}
	if policy.repository.journal != nil {
		if err := policy.repository.journal.Record(entry.row); err != nil {
			policy.repository.log.Warningf("Cannot journal history of transfer %d: %v", entry.row.DataTransferId, err)
		}
	}
	return nil
}

func (policy *historyPolicy) Less(a, b *historyEntry) bool {
	if !a.row.Time.Equal(b.row.Time) {
		return a.row.Time.Before(b.row.Time)
	}
	return a.key < b.key
}
