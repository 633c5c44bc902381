package workers

import (
	"fmt"

	"github.com/ecpds/master/models"
	"github.com/nsqio/go-nsq"
	"github.com/op/go-logging"
)

// nsqLogger sends the consumer's own messages to the process log.
type nsqLogger struct {
	log *logging.Logger
}

func (logger nsqLogger) Output(calldepth int, message string) error {
	logger.log.Warning(message)
	return nil
}

type consumerOption struct {
	name  string
	value interface{}
}

// NewMoverReportConsumer builds the NSQ consumer that feeds mover
// reports to handler, with workerConfig.Workers concurrent handlers.
// Options left empty in the config keep the nsq defaults. The
// consumer is not connected yet.
func NewMoverReportConsumer(workerConfig *models.WorkerConfig, handler nsq.Handler,
	log *logging.Logger) (*nsq.Consumer, error) {
	if !nsq.IsValidTopicName(workerConfig.NsqTopic) {
		return nil, fmt.Errorf("Invalid mover report topic '%s'", workerConfig.NsqTopic)
	}
	if !nsq.IsValidChannelName(workerConfig.NsqChannel) {
		return nil, fmt.Errorf("Invalid mover report channel '%s'", workerConfig.NsqChannel)
	}
	nsqConfig := nsq.NewConfig()
	options := []consumerOption{
		{"max_in_flight", workerConfig.MaxInFlight},
		{"max_attempts", workerConfig.MaxAttempts},
		{"heartbeat_interval", workerConfig.HeartbeatInterval},
		{"read_timeout", workerConfig.ReadTimeout},
		{"write_timeout", workerConfig.WriteTimeout},
		{"msg_timeout", workerConfig.MessageTimeout},
	}
	for _, option := range options {
		if unset(option.value) {
			continue
		}
		if err := nsqConfig.Set(option.name, option.value); err != nil {
			return nil, fmt.Errorf("Mover report consumer option %s: %v", option.name, err)
		}
	}
	if err := nsqConfig.Validate(); err != nil {
		return nil, fmt.Errorf("Mover report consumer: %v", err)
	}
	consumer, err := nsq.NewConsumer(workerConfig.NsqTopic, workerConfig.NsqChannel, nsqConfig)
	if err != nil {
		return nil, err
	}
	if log != nil {
		consumer.SetLogger(nsqLogger{log}, nsq.LogLevelWarning)
	}
	concurrency := workerConfig.Workers
	if concurrency <= 0 {
		concurrency = 1
	}
	consumer.AddConcurrentHandlers(handler, concurrency)
	return consumer, nil
}

func unset(value interface{}) bool {
	switch v := value.(type) {
	case int:
		return v == 0
	case uint16:
		return v == 0
	case string:
		return v == ""
	}
	return value == nil
}
