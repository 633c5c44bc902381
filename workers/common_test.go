package workers_test

import (
	"testing"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/util/logger"
	"github.com/ecpds/master/workers"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler() nsq.Handler {
	return nsq.HandlerFunc(func(message *nsq.Message) error { return nil })
}

func TestNewMoverReportConsumer(t *testing.T) {
	log := logger.DiscardLogger("common_test")
	workerConfig := &models.WorkerConfig{
		NsqTopic:          constants.TopicMoverReport,
		NsqChannel:        "master",
		MaxInFlight:       20,
		HeartbeatInterval: "10s",
		ReadTimeout:       "60s",
		Workers:           4,
	}
	consumer, err := workers.NewMoverReportConsumer(workerConfig, noopHandler(), log)
	require.Nil(t, err)
	require.NotNil(t, consumer)
	consumer.Stop()

	// Empty options keep the defaults.
	consumer, err = workers.NewMoverReportConsumer(&models.WorkerConfig{
		NsqTopic:   constants.TopicMoverReport,
		NsqChannel: "master",
	}, noopHandler(), nil)
	require.Nil(t, err)
	consumer.Stop()
}

func TestNewMoverReportConsumerRejectsBadConfig(t *testing.T) {
	log := logger.DiscardLogger("common_test")
	cases := map[string]*models.WorkerConfig{
		"topic":    {NsqTopic: "mover reports", NsqChannel: "master"},
		"channel":  {NsqTopic: constants.TopicMoverReport, NsqChannel: ""},
		"duration": {NsqTopic: constants.TopicMoverReport, NsqChannel: "master", HeartbeatInterval: "often"},
	}
	for name, workerConfig := range cases {
		consumer, err := workers.NewMoverReportConsumer(workerConfig, noopHandler(), log)
		assert.NotNil(t, err, name)
		assert.Nil(t, consumer, name)
	}
}
