// Package testutil holds the fakes and helpers shared by the tests
// of the master packages.
package testutil

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/util/fileutil"
	"github.com/stretchr/testify/require"
)

// LoadJsonFixture loads a JSON file from the testdata directory into
// value.
func LoadJsonFixture(filename string, value interface{}) error {
	data, err := fileutil.LoadRelativeFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}

// NewTestStore opens a BoltStore in a temp directory that is removed
// when the test ends.
func NewTestStore(t *testing.T) *database.BoltStore {
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "ecpds.db"))
	require.Nil(t, err)
	t.Cleanup(store.Close)
	return store
}

// TestConfig returns a config with short delays, suitable for tests
// that run the repositories and schedulers.
func TestConfig() *models.Config {
	fast := models.RepositoryConfig{Delay: "10ms", MaxAuthorisedSize: 1000}
	schedulers := make(map[string]models.SchedulerConfig)
	return &models.Config{
		DatabaseFile:           "",
		LogLevel:               4,
		TransferRepository:     fast,
		HistoryRepository:      fast,
		EventRepository:        fast,
		NotificationRepository: fast,
		ProxyHostRepository:    fast,
		ProxyTimeout:           "1m",
		TicketTimeout:          "1h",
		TicketPollRetries:      3,
		TicketPollInterval:     "10ms",
		EventTopic:             "ecpds_event",
		Schedulers:             schedulers,
	}
}
