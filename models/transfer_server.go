package models

import (
	"time"
)

// TransferServer is a mover: a remote worker node doing the actual
// file I/O for the master.
type TransferServer struct {
	Name    string `json:"name"`
	Group   string `json:"group"`
	Address string `json:"address"`
	Active  bool   `json:"active"`
}

// TransferGroup is a pool of movers sharing a spool.
type TransferGroup struct {
	Name string `json:"name"`
	// Replicate is set when files of this group get a second
	// copy on another mover of the group.
	Replicate bool `json:"replicate"`
	// Filter is set when files of this group are compressed
	// before transmission.
	Filter bool `json:"filter"`
}

// ProxyHost is a mover variant fronting a storage tier.
type ProxyHost struct {
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	Group      string    `json:"group"`
	Active     bool      `json:"active"`
	LastUpdate time.Time `json:"last_update"`
}
