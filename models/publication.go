package models

import (
	"strings"
	"time"
)

// Publication is a pending external notification for a completed
// transfer. Done is the only idempotence guard: once set, the event
// scheduler never delivers the row again.
type Publication struct {
	Id             int64     `json:"id"`
	DataTransferId int64     `json:"data_transfer_id"`
	Options        string    `json:"options"`
	ScheduledTime  time.Time `json:"scheduled_time"`
	Done           bool      `json:"done"`
	ProcessedTime  time.Time `json:"processed_time"`
	Message        string    `json:"message"`
}

// HasMarker returns true if the options carry the given marker,
// either as a bare word or as "marker=...".
func (publication *Publication) HasMarker(marker string) bool {
	for _, option := range strings.Split(publication.Options, ";") {
		option = strings.TrimSpace(option)
		if option == marker || strings.HasPrefix(option, marker+"=") {
			return true
		}
	}
	return false
}

// Option returns the value of "name=value" in the options string,
// or defaultValue.
func (publication *Publication) Option(name, defaultValue string) string {
	for _, option := range strings.Split(publication.Options, ";") {
		option = strings.TrimSpace(option)
		if strings.HasPrefix(option, name+"=") {
			return strings.TrimPrefix(option, name+"=")
		}
	}
	return defaultValue
}
