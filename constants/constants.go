// Common vars and constants, shared by the master, its schedulers
// and the mover clients.
package constants

import (
	"regexp"
)

// Transfer status codes. The names reported to users are in
// StatusNames.
const (
	StatusArriving     = "INIT"
	StatusPreset       = "SCHE"
	StatusFetching     = "FETC"
	StatusStandBy      = "HOLD"
	StatusQueued       = "WAIT"
	StatusTransferring = "EXEC"
	StatusDone         = "DONE"
	StatusRequeued     = "RETR"
	StatusStopped      = "STOP"
	StatusFailed       = "FAIL"
	StatusInterrupted  = "INTR"
)

var StatusCodes []string = []string{
	StatusArriving,
	StatusPreset,
	StatusFetching,
	StatusStandBy,
	StatusQueued,
	StatusTransferring,
	StatusDone,
	StatusRequeued,
	StatusStopped,
	StatusFailed,
	StatusInterrupted,
}

var StatusNames map[string]string = map[string]string{
	StatusArriving:     "Arriving",
	StatusPreset:       "Preset",
	StatusFetching:     "Fetching",
	StatusStandBy:      "StandBy",
	StatusQueued:       "Queued",
	StatusTransferring: "Transferring",
	StatusDone:         "Done",
	StatusRequeued:     "ReQueued",
	StatusStopped:      "Stopped",
	StatusFailed:       "Failed",
	StatusInterrupted:  "Interrupted",
}

// StatusName returns the user-facing name of a status code, or the
// code itself when it is unknown.
func StatusName(code string) string {
	if name, ok := StatusNames[code]; ok {
		return name
	}
	return code
}

// IsTerminalStatus returns true for the statuses that run the
// completion hook and release the transfer from the cache.
func IsTerminalStatus(code string) bool {
	switch code {
	case StatusDone, StatusStopped, StatusFailed, StatusRequeued, StatusInterrupted:
		return true
	}
	return false
}

// IsTransientStatus returns true for statuses that are never flushed
// from the transfer cache.
func IsTransientStatus(code string) bool {
	return code == StatusArriving || code == StatusPreset || code == StatusFetching
}

// Destination status codes.
const (
	DestinationRunning = "RUNNING"
	DestinationStopped = "STOPPED"
	DestinationIdle    = "IDLE"
)

// Host types.
const (
	HostTypeDissemination = "ECTRANS"
	HostTypeAcquisition   = "ACQUISITION"
	HostTypeProxy         = "PROXY"
	HostTypeBackup        = "BACKUP"
	HostTypeSource        = "SOURCE"
)

var HostTypes []string = []string{
	HostTypeDissemination,
	HostTypeAcquisition,
	HostTypeProxy,
	HostTypeBackup,
	HostTypeSource,
}

// Scheduler names. These are also the keys of the scheduler
// sections in the config file.
const (
	SchedulerAcquisition         = "acquisition"
	SchedulerDownload            = "download"
	SchedulerAcquisitionDownload = "acquisition_download"
	SchedulerTransmission        = "transmission"
	SchedulerReplicate           = "replicate"
	SchedulerBackup              = "backup"
	SchedulerProxy               = "proxy"
	SchedulerFilter              = "filter"
	SchedulerPurge               = "purge"
	SchedulerEvent               = "event"
	SchedulerHostCheck           = "host_check"
)

var SchedulerNames []string = []string{
	SchedulerAcquisition,
	SchedulerDownload,
	SchedulerAcquisitionDownload,
	SchedulerTransmission,
	SchedulerReplicate,
	SchedulerBackup,
	SchedulerProxy,
	SchedulerFilter,
	SchedulerPurge,
	SchedulerEvent,
	SchedulerHostCheck,
}

// Upload history kinds, used for accounting records.
const (
	UploadTransmission = "transmission"
	UploadReplicate    = "replicate"
	UploadBackup       = "backup"
	UploadProxy        = "proxy"
)

// Publication option markers.
const (
	PublicationMQTT = "mqtt"
	PublicationNSQ  = "nsq"
)

// Filter names meaning "leave the file as it is".
const FilterNone = "none"

// SystemUser is recorded in history and change log rows written by
// the master itself.
const SystemUser = "system"

// Default NSQ topics.
const (
	TopicMoverReport = "ecpds_mover_report"
	TopicEvent       = "ecpds_event"
)

// NamePattern matches the names we accept for destinations, hosts
// and movers.
var NamePattern = regexp.MustCompile("^[A-Za-z0-9][A-Za-z0-9\\._\\-]*$")

// DateFormat is the default date format for $date substitution in
// acquisition directories, in the user-facing notation.
const DateFormat = "yyyyMMdd"
