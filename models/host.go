package models

import (
	"time"
)

// Host is a named endpoint: a dissemination target, an acquisition
// source, a proxy or a backup target.
type Host struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Active        bool   `json:"active"`
	TransferGroup string `json:"transfer_group"`
	Address       string `json:"address"`
	Login         string `json:"login"`
	// Dir is the acquisition directory spec, one entry per line.
	Dir string `json:"dir"`
	// Data is the setup blob. DataUpdate is the time of the last
	// accepted write and rejects writes based on older reads.
	Data                 string        `json:"data"`
	DataUpdate           time.Time     `json:"data_update"`
	CheckEnabled         bool          `json:"check_enabled"`
	CheckFrequency       time.Duration `json:"check_frequency"`
	AcquisitionFrequency time.Duration `json:"acquisition_frequency"`
	MailOnError          bool          `json:"mail_on_error"`
	UserMail             string        `json:"user_mail"`
}

// HostStats records the outcome of the host checks.
type HostStats struct {
	HostName     string    `json:"host_name"`
	Valid        bool      `json:"valid"`
	CheckTime    time.Time `json:"check_time"`
	CheckCount   int       `json:"check_count"`
	FailureCount int       `json:"failure_count"`
	Message      string    `json:"message"`
}

// HostLocation is the last known network location of a host.
type HostLocation struct {
	HostName   string    `json:"host_name"`
	IP         string    `json:"ip"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	UpdateTime time.Time `json:"update_time"`
}

// HostOutput is the output of the last acquisition run.
type HostOutput struct {
	HostName        string    `json:"host_name"`
	Output          string    `json:"output"`
	AcquisitionTime time.Time `json:"acquisition_time"`
}

// DestinationHost pairs a destination with one of its hosts, as
// returned by the database for a given host type.
type DestinationHost struct {
	Destination *Destination
	Host        *Host
}

// NewHostStats returns empty stats for a host that was never
// checked.
func NewHostStats(hostName string) *HostStats {
	return &HostStats{
		HostName: hostName,
		Valid:    true,
	}
}

// CheckDue returns true if the host check is enabled and the last
// check is older than the check frequency.
func (host *Host) CheckDue(stats *HostStats, now time.Time) bool {
	if !host.CheckEnabled || !host.Active {
		return false
	}
	if stats == nil || stats.CheckTime.IsZero() {
		return true
	}
	return stats.CheckTime.Add(host.CheckFrequency).Before(now)
}

// AcquisitionDue returns true if the last acquisition is older
// than the acquisition frequency.
func (host *Host) AcquisitionDue(output *HostOutput, now time.Time) bool {
	if !host.Active {
		return false
	}
	if output == nil || output.AcquisitionTime.IsZero() {
		return true
	}
	return output.AcquisitionTime.Add(host.AcquisitionFrequency).Before(now)
}
