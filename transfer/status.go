// Package transfer owns the status machine of data transfers:
// which status changes users may request, and how a change is
// committed, recorded and propagated.
package transfer

import (
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/pkg/errors"
)

var (
	// ErrIllegalStatus means the requested status is not one a
	// user may ask for.
	ErrIllegalStatus = errors.New("illegal status")
	// ErrSameStatus means the transfer already has the requested
	// status. Callers treat it as a no-op.
	ErrSameStatus = errors.New("same status")
	// ErrRefused means the change is not allowed from the current
	// status of the transfer.
	ErrRefused = errors.New("status change refused")
)

// RequestableStatuses are the statuses a user may request.
var RequestableStatuses = []string{
	constants.StatusStandBy,
	constants.StatusArriving,
	constants.StatusPreset,
	constants.StatusFetching,
	constants.StatusStopped,
	constants.StatusQueued,
}

func isRequestable(code string) bool {
	for _, requestable := range RequestableStatuses {
		if code == requestable {
			return true
		}
	}
	return false
}

// CheckTransition returns nil if the transfer may move to the
// requested status. Errors wrap ErrIllegalStatus, ErrSameStatus or
// ErrRefused.
func CheckTransition(transfer *models.DataTransfer, dataFile *models.DataFile, requested string, now time.Time) error {
	if !isRequestable(requested) {
		return errors.Wrapf(ErrIllegalStatus, "transfer %d: %s", transfer.Id, requested)
	}
	current := transfer.StatusCode
	if requested == current {
		return errors.Wrapf(ErrSameStatus, "transfer %d is already %s", transfer.Id, constants.StatusName(current))
	}
	if requested != constants.StatusStopped {
		if transfer.Deleted {
			return errors.Wrapf(ErrRefused, "transfer %d is deleted", transfer.Id)
		}
		if dataFile != nil && dataFile.Deleted {
			return errors.Wrapf(ErrRefused, "data file %d of transfer %d is deleted", dataFile.Id, transfer.Id)
		}
		if transfer.IsExpired(now) {
			return errors.Wrapf(ErrRefused, "transfer %d expired on %s", transfer.Id,
				transfer.ExpiryTime.Format(time.RFC3339))
		}
	}
	switch requested {
	case constants.StatusQueued:
		switch current {
		case constants.StatusTransferring, constants.StatusRequeued, constants.StatusPreset, constants.StatusFetching:
			return errors.Wrapf(ErrRefused, "transfer %d cannot be queued while %s", transfer.Id,
				constants.StatusName(current))
		}
	case constants.StatusStopped:
		if current == constants.StatusDone {
			return errors.Wrapf(ErrRefused, "transfer %d is already done", transfer.Id)
		}
	}
	return nil
}
