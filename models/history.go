package models

import (
	"time"
)

// TransferHistory is one row of the status history of a transfer.
type TransferHistory struct {
	Id             int64     `json:"id"`
	DataTransferId int64     `json:"data_transfer_id"`
	Destination    string    `json:"destination"`
	Host           string    `json:"host"`
	StatusCode     string    `json:"status_code"`
	Comment        string    `json:"comment"`
	Error          bool      `json:"error"`
	UserName       string    `json:"user_name"`
	Time           time.Time `json:"time"`
}

// UploadHistory is the accounting record of one completed copy
// (transmission, replication, backup or proxy).
type UploadHistory struct {
	Id             int64         `json:"id"`
	DataTransferId int64         `json:"data_transfer_id"`
	Kind           string        `json:"kind"`
	Mover          string        `json:"mover"`
	Target         string        `json:"target"`
	Bytes          int64         `json:"bytes"`
	Duration       time.Duration `json:"duration"`
	Time           time.Time     `json:"time"`
}

// ChangeLog records an operator change.
type ChangeLog struct {
	Id     int64     `json:"id"`
	Object string    `json:"object"`
	Key    string    `json:"key"`
	User   string    `json:"user"`
	Change string    `json:"change"`
	Time   time.Time `json:"time"`
}

// NewTransferHistory returns a history row for the current state
// of the transfer.
func NewTransferHistory(transfer *DataTransfer, user string, isError bool) *TransferHistory {
	return &TransferHistory{
		DataTransferId: transfer.Id,
		Destination:    transfer.Destination,
		Host:           transfer.Host,
		StatusCode:     transfer.StatusCode,
		Comment:        transfer.Comment,
		Error:          isError,
		UserName:       user,
		Time:           time.Now().UTC(),
	}
}
