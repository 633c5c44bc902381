package workers

import (
	"time"

	"github.com/ecpds/master/context"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/transfer"
	"github.com/nsqio/go-nsq"
)

// MoverReporter applies a mover report. transfer.Manager is the
// production implementation.
type MoverReporter interface {
	Report(report *models.MoverReport) error
}

// MoverReportHandler reads the reports the movers publish to NSQ
// while they transmit, and applies them to the transfers.
type MoverReportHandler struct {
	// Context holds the config, the logs and the report counters.
	Context *context.Context
	// Reporter applies the reports.
	Reporter MoverReporter
	// RequeueDelay is how long NSQ waits before delivering again a
	// report that could not be applied.
	RequeueDelay time.Duration
}

func NewMoverReportHandler(_context *context.Context, manager *transfer.Manager) *MoverReportHandler {
	return &MoverReportHandler{
		Context:      _context,
		Reporter:     manager,
		RequeueDelay: 10 * time.Second,
	}
}

// This is the callback that NSQ workers use to handle messages from NSQ.
func (handler *MoverReportHandler) HandleMessage(message *nsq.Message) error {
	message.DisableAutoResponse()
	report, err := models.MoverReportFromJson(message.Body)
	if err != nil {
		// Delivering it again will not fix it.
		handler.Context.MessageLog.Errorf("Discarding message %s: %v", string(message.ID[:]), err)
		handler.Context.IncrementFailed()
		message.Finish()
		return nil
	}
	err = handler.Reporter.Report(report)
	if err == nil {
		handler.Context.IncrementSucceeded()
		message.Finish()
		return nil
	}
	handler.Context.IncrementFailed()
	maxAttempts := uint16(0)
	if handler.Context.Config != nil {
		maxAttempts = handler.Context.Config.MoverReportWorker.MaxAttempts
	}
	if maxAttempts > 0 && message.Attempts >= maxAttempts {
		handler.Context.MessageLog.Errorf("Giving up on report for transfer %d from %s after %d attempts: %v",
			report.DataTransferId, report.Mover, message.Attempts, err)
		message.Finish()
		return nil
	}
	handler.Context.MessageLog.Warningf("Requeuing report for transfer %d from %s: %v",
		report.DataTransferId, report.Mover, err)
	message.Requeue(handler.RequeueDelay)
	return nil
}
