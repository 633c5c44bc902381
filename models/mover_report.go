package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MoverReport is what a mover sends back to the master about a
// transfer it is executing. Progress reports only carry counters;
// the others carry the new status.
type MoverReport struct {
	DataTransferId int64         `json:"data_transfer_id"`
	Mover          string        `json:"mover"`
	StatusCode     string        `json:"status_code"`
	Comment        string        `json:"comment"`
	SentBytes      int64         `json:"sent_bytes"`
	Duration       time.Duration `json:"duration"`
	Progress       bool          `json:"progress"`
	Time           time.Time     `json:"time"`
}

// MoverReportFromJson parses the body of an NSQ message or an HTTP
// request into a MoverReport.
func MoverReportFromJson(data []byte) (*MoverReport, error) {
	report := &MoverReport{}
	err := json.Unmarshal(data, report)
	if err != nil {
		return nil, fmt.Errorf("Invalid mover report: %v", err)
	}
	if report.DataTransferId <= 0 {
		return nil, fmt.Errorf("Invalid mover report: missing data_transfer_id")
	}
	if !report.Progress && report.StatusCode == "" {
		return nil, fmt.Errorf("Invalid mover report for transfer %d: missing status_code",
			report.DataTransferId)
	}
	return report, nil
}

// TransferRequest is a new dissemination request.
type TransferRequest struct {
	Destination   string    `json:"destination"`
	Source        string    `json:"source"`
	Original      string    `json:"original"`
	Target        string    `json:"target"`
	UniqueKey     string    `json:"unique_key"`
	Size          int64     `json:"size"`
	Priority      int       `json:"priority"`
	ScheduledTime time.Time `json:"scheduled_time"`
	FilterName    string    `json:"filter_name"`
	Acquisition   bool      `json:"acquisition"`
	RemoteSize    int64     `json:"remote_size"`
	RemoteTime    time.Time `json:"remote_time"`
	RemoteMaster  string    `json:"remote_master"`
	RemoteId      int64     `json:"remote_id"`
	User          string    `json:"user"`
}

// Validate returns an error describing the first missing field.
func (request *TransferRequest) Validate() error {
	if request.Destination == "" {
		return fmt.Errorf("Request has no destination")
	}
	if request.Original == "" {
		return fmt.Errorf("Request has no original location")
	}
	if request.Target == "" {
		return fmt.Errorf("Request has no target")
	}
	return nil
}
