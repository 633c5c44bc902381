package models

import (
	"fmt"
	"path"
	"time"

	"github.com/ecpds/master/constants"
)

// DataFile is the physical payload behind one or more DataTransfers.
// It is created when a request is registered, retrieved onto a mover
// by the download scheduler, and removed from the movers by the purge
// scheduler once every transfer using it has expired.
type DataFile struct {
	Id int64 `json:"id"`
	// Original is where the file comes from: a path on the
	// acquisition host, or a location the source host serves.
	Original string `json:"original"`
	// Source is the name of the Host we retrieve the file from.
	Source string `json:"source"`
	// Name is the name of the file in the mover spool.
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	// FilterName is the compression applied before transmission.
	// Empty or "none" means no filter.
	FilterName    string    `json:"filter_name"`
	FilterSize    int64     `json:"filter_size"`
	FilterTime    time.Time `json:"filter_time"`
	TransferGroup string    `json:"transfer_group"`
	// TransferServer is the mover holding the spool copy.
	TransferServer string    `json:"transfer_server"`
	Downloaded     bool      `json:"downloaded"`
	ArrivedTime    time.Time `json:"arrived_time"`
	Replicated     bool      `json:"replicated"`
	ReplicateTime  time.Time `json:"replicate_time"`
	// ReplicaServer is the mover holding the replicated copy.
	ReplicaServer string `json:"replica_server"`
	// Acquisition is true when the acquisition scheduler
	// discovered the file.
	Acquisition bool `json:"acquisition"`
	// RemoteSize and RemoteTime are the size and modification
	// time seen in the acquisition listing. They drive the
	// requeue-on-change rule.
	RemoteSize    int64     `json:"remote_size"`
	RemoteTime    time.Time `json:"remote_time"`
	RetryTime     time.Time `json:"retry_time"`
	DownloadCount int       `json:"download_count"`
	Deleted       bool      `json:"deleted"`
	Removed       bool      `json:"removed"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasFilter returns true if the file must be compressed before
// transmission.
func (dataFile *DataFile) HasFilter() bool {
	return dataFile.FilterName != "" && dataFile.FilterName != constants.FilterNone
}

// TransmittedSize is the number of bytes a mover sends for this
// file, which is the filtered size once the filter ran.
func (dataFile *DataFile) TransmittedSize() int64 {
	if dataFile.HasFilter() && !dataFile.FilterTime.IsZero() {
		return dataFile.FilterSize
	}
	return dataFile.Size
}

// SpoolPath is the relative location of the file in the mover spool.
func (dataFile *DataFile) SpoolPath() string {
	return path.Join(fmt.Sprintf("%d", dataFile.Id%1000), fmt.Sprintf("%d-%s", dataFile.Id, dataFile.Name))
}

// Locations returns the names of all nodes holding a copy of the
// file (spool mover and replica mover).
func (dataFile *DataFile) Locations() []string {
	locations := make([]string, 0, 2)
	if dataFile.TransferServer != "" {
		locations = append(locations, dataFile.TransferServer)
	}
	if dataFile.ReplicaServer != "" && dataFile.ReplicaServer != dataFile.TransferServer {
		locations = append(locations, dataFile.ReplicaServer)
	}
	return locations
}
