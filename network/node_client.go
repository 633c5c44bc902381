package network

import (
	"context"
	"fmt"
	"time"

	"github.com/ecpds/master/models"
)

// NodeClient is a handle on one remote mover or proxy. Every error
// it returns means "node unavailable": callers try another node or
// defer to the next scheduling cycle.
type NodeClient interface {
	Name() string

	// Close asks the node to abort the transmission of a transfer.
	Close(ctx context.Context, transfer *models.DataTransfer) error
	// Purge clears the given directories on the node.
	Purge(ctx context.Context, directories []string) error
	// GetReport returns a human readable status of the node.
	GetReport(ctx context.Context) (string, error)
	// ComputeVolumeUsage returns the usage of the first n spool
	// volumes of the node.
	ComputeVolumeUsage(ctx context.Context, n int) ([]VolumeUsage, error)
	PublishToMQTTBroker(ctx context.Context, message *MQTTMessage) error
	RemoveFromMQTTBroker(ctx context.Context, topic string) error
	CloseAllIncomingConnections(ctx context.Context) error

	// Put copies a spool file somewhere else. Transmissions are
	// asynchronous: the node reports back through mover reports.
	// Replications, backups and proxy uploads are synchronous.
	Put(ctx context.Context, request *PutRequest) (*PutResult, error)
	// Get retrieves a source file into the node spool.
	Get(ctx context.Context, request *GetRequest) (*GetResult, error)
	// List returns the "ls -l" style listing of a remote directory.
	List(ctx context.Context, request *ListRequest) ([]string, error)
	// Execute runs a command on a remote host through the node.
	Execute(ctx context.Context, request *ExecRequest) (string, error)
	// Delete removes spool files.
	Delete(ctx context.Context, request *DeleteRequest) error
	// Filter compresses a spool file.
	Filter(ctx context.Context, request *FilterRequest) (*FilterResult, error)
	// Check probes a host.
	Check(ctx context.Context, host *models.Host) error
}

// PutRequest describes one copy of a spool file.
type PutRequest struct {
	Kind           string       `json:"kind"`
	DataTransferId int64        `json:"data_transfer_id"`
	DataFileId     int64        `json:"data_file_id"`
	Source         string       `json:"source"`
	Target         string       `json:"target"`
	Size           int64        `json:"size"`
	Host           *models.Host `json:"host,omitempty"`
	// Mover and MoverAddress are the target of a replication.
	Mover        string `json:"mover,omitempty"`
	MoverAddress string `json:"mover_address,omitempty"`
	Priority     int    `json:"priority"`
}

type PutResult struct {
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

type GetRequest struct {
	DataFileId int64        `json:"data_file_id"`
	Host       *models.Host `json:"host,omitempty"`
	Original   string       `json:"original"`
	Target     string       `json:"target"`
}

type GetResult struct {
	Size     int64         `json:"size"`
	Checksum string        `json:"checksum"`
	Duration time.Duration `json:"duration"`
}

type ListRequest struct {
	Host *models.Host `json:"host"`
	Path string       `json:"path"`
}

type ExecRequest struct {
	Host    *models.Host `json:"host"`
	Command string       `json:"command"`
}

type DeleteRequest struct {
	Paths []string `json:"paths"`
}

type FilterRequest struct {
	DataFileId int64  `json:"data_file_id"`
	Source     string `json:"source"`
	FilterName string `json:"filter_name"`
}

type FilterResult struct {
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
}

// MQTTMessage is what the event scheduler publishes through the
// broker a mover hosts.
type MQTTMessage struct {
	Topic   string        `json:"topic"`
	Payload string        `json:"payload"`
	Qos     int           `json:"qos"`
	Retain  bool          `json:"retain"`
	Expiry  time.Duration `json:"expiry"`
}

type VolumeUsage struct {
	Volume string `json:"volume"`
	Files  int64  `json:"files"`
	Bytes  int64  `json:"bytes"`
}

// NodeError wraps a failure of a remote node.
type NodeError struct {
	Node      string
	Operation string
	Err       error
}

func (nodeError *NodeError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", nodeError.Operation, nodeError.Node, nodeError.Err)
}

func (nodeError *NodeError) Unwrap() error {
	return nodeError.Err
}

func nodeError(node, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &NodeError{Node: node, Operation: operation, Err: err}
}
