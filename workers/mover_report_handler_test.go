package workers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ecpds/master/constants"
	ecpdscontext "github.com/ecpds/master/context"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/testdata"
	"github.com/ecpds/master/util/logger"
	"github.com/ecpds/master/util/testutil"
	"github.com/ecpds/master/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReporter struct {
	calls int
}

func (reporter *failingReporter) Report(report *models.MoverReport) error {
	reporter.calls++
	return fmt.Errorf("database is locked")
}

func newHandlerContext(config *models.Config) *ecpdscontext.Context {
	return &ecpdscontext.Context{
		Config:     config,
		MessageLog: logger.DiscardLogger("mover_report_handler_test"),
	}
}

func reportBody(t *testing.T, report *models.MoverReport) []byte {
	body, err := json.Marshal(report)
	require.Nil(t, err)
	return body
}

func TestMoverReportHandlerAppliesReport(t *testing.T) {
	fixture := newWorkerFixture(t, nil, "mover-a")
	destination := testdata.MakeDestination()
	_, dataTransfers := fixture.insertFile(t, destination, "mover-a", constants.StatusQueued)
	associate(t, fixture, destination)
	require.Nil(t, workers.NewTransmissionPolicy(fixture.services).Run(context.Background(), dataTransfers[0]))

	_context := newHandlerContext(fixture.config)
	handler := workers.NewMoverReportHandler(_context, fixture.services.Manager)
	delegate := testutil.NewNSQTestDelegate()
	message := testutil.NewTestMessage(delegate, reportBody(t, &models.MoverReport{
		DataTransferId: dataTransfers[0].Id,
		Mover:          "mover-a",
		StatusCode:     constants.StatusDone,
		SentBytes:      2048,
	}))

	assert.Nil(t, handler.HandleMessage(message))
	assert.Equal(t, 1, delegate.Finished())
	assert.Equal(t, 0, delegate.Requeued())
	assert.EqualValues(t, 1, _context.Succeeded())
	current := fixture.transfer(t, dataTransfers[0].Id)
	assert.Equal(t, constants.StatusDone, current.StatusCode)
	assert.EqualValues(t, 2048, current.SentBytes)
}

func TestMoverReportHandlerDiscardsInvalidMessage(t *testing.T) {
	_context := newHandlerContext(testutil.TestConfig())
	reporter := &failingReporter{}
	handler := &workers.MoverReportHandler{Context: _context, Reporter: reporter}
	delegate := testutil.NewNSQTestDelegate()

	assert.Nil(t, handler.HandleMessage(testutil.NewTestMessage(delegate, []byte(`{"mover": "mover-a"}`))))
	assert.Equal(t, 1, delegate.Finished())
	assert.Equal(t, 0, reporter.calls)
	assert.EqualValues(t, 1, _context.Failed())
}

func TestMoverReportHandlerRequeuesThenGivesUp(t *testing.T) {
	config := testutil.TestConfig()
	config.MoverReportWorker.MaxAttempts = 3
	_context := newHandlerContext(config)
	reporter := &failingReporter{}
	handler := &workers.MoverReportHandler{Context: _context, Reporter: reporter}
	body := reportBody(t, &models.MoverReport{DataTransferId: 7, Mover: "mover-a", StatusCode: constants.StatusDone})

	delegate := testutil.NewNSQTestDelegate()
	message := testutil.NewTestMessage(delegate, body)
	message.Attempts = 1
	assert.Nil(t, handler.HandleMessage(message))
	assert.Equal(t, 1, delegate.Requeued())
	assert.Equal(t, 0, delegate.Finished())

	delegate = testutil.NewNSQTestDelegate()
	message = testutil.NewTestMessage(delegate, body)
	message.Attempts = 3
	assert.Nil(t, handler.HandleMessage(message))
	assert.Equal(t, 0, delegate.Requeued())
	assert.Equal(t, 1, delegate.Finished())
	assert.Equal(t, 2, reporter.calls)
	assert.EqualValues(t, 2, _context.Failed())
}
