package models

import (
	"fmt"
	"time"

	"github.com/ecpds/master/constants"
)

// DataTransfer is one delivery obligation of a DataFile to a
// Destination through a Host. Its StatusCode follows the state
// machine in the transfer package.
type DataTransfer struct {
	Id          int64  `json:"id"`
	DataFileId  int64  `json:"data_file_id"`
	Destination string `json:"destination"`
	Host        string `json:"host"`
	// Target is the file name on the remote host.
	Target string `json:"target"`
	// UniqueKey identifies the logical request within the
	// destination. Two requests with the same key are the same
	// request.
	UniqueKey  string `json:"unique_key"`
	StatusCode string `json:"status_code"`
	Comment    string `json:"comment"`
	// UserStatus is the user who last changed the status.
	UserStatus    string        `json:"user_status"`
	Priority      int           `json:"priority"`
	ScheduledTime time.Time     `json:"scheduled_time"`
	RetryTime     time.Time     `json:"retry_time"`
	ExpiryTime    time.Time     `json:"expiry_time"`
	QueueTime     time.Time     `json:"queue_time"`
	StartTime     time.Time     `json:"start_time"`
	FinishTime    time.Time     `json:"finish_time"`
	SentBytes     int64         `json:"sent_bytes"`
	Duration      time.Duration `json:"duration"`
	// TransferServer is the mover executing the transmission.
	TransferServer string    `json:"transfer_server"`
	BackupHost     string    `json:"backup_host"`
	ProxyHost      string    `json:"proxy_host"`
	ProxyTime      time.Time `json:"proxy_time"`
	RequeueCount   int       `json:"requeue_count"`
	FailedCount    int       `json:"failed_count"`
	ErrorMailSent  bool      `json:"error_mail_sent"`
	Deleted        bool      `json:"deleted"`
	// Event is set when the destination wants a publication
	// on completion.
	Event bool `json:"event"`
	// RemoteMaster and RemoteId are set when a peer master
	// submitted the transfer and wants status updates back.
	RemoteMaster string    `json:"remote_master"`
	RemoteId     int64     `json:"remote_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key is the identity of the transfer in caches and schedulers.
func (transfer *DataTransfer) Key() string {
	return fmt.Sprintf("%d", transfer.Id)
}

// LockKey is the admission key used by the lock registry.
func (transfer *DataTransfer) LockKey() string {
	return TransferLockKey(transfer.Destination, transfer.UniqueKey)
}

// TransferLockKey builds the lock registry key of a logical request.
func TransferLockKey(destination, uniqueKey string) string {
	return destination + "/" + uniqueKey
}

// IsExpired returns true if the transfer has an expiry time and it
// has passed.
func (transfer *DataTransfer) IsExpired(now time.Time) bool {
	return !transfer.ExpiryTime.IsZero() && transfer.ExpiryTime.Before(now)
}

// StatusName returns the user-facing status name.
func (transfer *DataTransfer) StatusName() string {
	return constants.StatusName(transfer.StatusCode)
}

// IsDue returns true if nothing delays the transmission any more.
func (transfer *DataTransfer) IsDue(now time.Time) bool {
	if !transfer.ScheduledTime.IsZero() && transfer.ScheduledTime.After(now) {
		return false
	}
	if !transfer.RetryTime.IsZero() && transfer.RetryTime.After(now) {
		return false
	}
	return true
}

// Copy returns a shallow copy, enough for the value fields of the
// transfer.
func (transfer *DataTransfer) Copy() *DataTransfer {
	copied := *transfer
	return &copied
}
