package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
)

// FakeNode is a NodeClient that records every call. Operations fail
// with the error set in Errors for their name ("put", "close", ...).
// When Block is set, Put and Get wait until it is closed or the
// context is cancelled.
type FakeNode struct {
	NodeName string
	Errors   map[string]error
	Block    chan struct{}

	// Replies
	PutBytes     int64
	GetSize      int64
	ListLines    []string
	ExecOutput   string
	Report       string
	VolumeUsages []network.VolumeUsage

	mutex   sync.Mutex
	calls   map[string]int
	puts    []*network.PutRequest
	gets    []*network.GetRequest
	closed  []int64
	mqtt    []*network.MQTTMessage
	deleted []string
	purged  []string
}

func NewFakeNode(name string) *FakeNode {
	return &FakeNode{
		NodeName: name,
		Errors:   make(map[string]error),
		calls:    make(map[string]int),
		puts:     make([]*network.PutRequest, 0),
		gets:     make([]*network.GetRequest, 0),
		closed:   make([]int64, 0),
		mqtt:     make([]*network.MQTTMessage, 0),
		deleted:  make([]string, 0),
		purged:   make([]string, 0),
	}
}

func (node *FakeNode) Name() string {
	return node.NodeName
}

// Fail makes the named operation fail.
func (node *FakeNode) Fail(operation string) {
	node.mutex.Lock()
	defer node.mutex.Unlock()
	node.Errors[operation] = fmt.Errorf("%s is down", node.NodeName)
}

// Calls returns the number of calls to the named operation.
func (node *FakeNode) Calls(operation string) int {
	node.mutex.Lock()
	defer node.mutex.Unlock()
	return node.calls[operation]
}

func (node *FakeNode) Puts() []*network.PutRequest {
	node.mutex.Lock()
	defer node.mutex.Unlock()
	return append([]*network.PutRequest{}, node.puts...)
}

func (node *FakeNode) Gets() []*network.GetRequest {
	node.mutex.Lock()
	defer node.mutex.Unlock()
	return append([]*network.GetRequest{}, node.gets...)
}

func (node *FakeNode) Closed() []int64 {
	node.mutex.Lock()
	defer node.mutex.Unlock()
	return append([]int64{}, node.closed...)
}

func (node *FakeNode) Published() []*network.MQTTMessage {
	node.mutex.Lock()
	defer node.mutex.Unlock()
	return append([]*network.MQTTMessage{}, node.mqtt...)
}

func (node *FakeNode) Deleted() []string {
	node.mutex.Lock()
	defer node.mutex.Unlock()
	return append([]string{}, node.deleted...)
}

func (node *FakeNode) Purged() []string {
	node.mutex.Lock()
	defer node.mutex.Unlock()
	return append([]string{}, node.purged...)
}

// call counts the operation and returns its configured error.
func (node *FakeNode) call(operation string, record func()) error {
	node.mutex.Lock()
	defer node.mutex.Unlock()
	node.calls[operation]++
	if record != nil {
		record()
	}
	if err := node.Errors[operation]; err != nil {
		return &network.NodeError{Node: node.NodeName, Operation: operation, Err: err}
	}
	return nil
}

func (node *FakeNode) wait(ctx context.Context) error {
	if node.Block == nil {
		return nil
	}
	select {
	case <-node.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (node *FakeNode) Close(ctx context.Context, transfer *models.DataTransfer) error {
	return node.call("close", func() { node.closed = append(node.closed, transfer.Id) })
}

func (node *FakeNode) Purge(ctx context.Context, directories []string) error {
	return node.call("purge", func() { node.purged = append(node.purged, directories...) })
}

func (node *FakeNode) GetReport(ctx context.Context) (string, error) {
	return node.Report, node.call("report", nil)
}

func (node *FakeNode) ComputeVolumeUsage(ctx context.Context, n int) ([]network.VolumeUsage, error) {
	return node.VolumeUsages, node.call("volumes", nil)
}

func (node *FakeNode) PublishToMQTTBroker(ctx context.Context, message *network.MQTTMessage) error {
	return node.call("mqtt/publish", func() { node.mqtt = append(node.mqtt, message) })
}

func (node *FakeNode) RemoveFromMQTTBroker(ctx context.Context, topic string) error {
	return node.call("mqtt/remove", nil)
}

func (node *FakeNode) CloseAllIncomingConnections(ctx context.Context) error {
	return node.call("connections/close", nil)
}

func (node *FakeNode) Put(ctx context.Context, request *network.PutRequest) (*network.PutResult, error) {
	err := node.call("put", func() { node.puts = append(node.puts, request) })
	if err != nil {
		return nil, err
	}
	if err = node.wait(ctx); err != nil {
		return nil, err
	}
	bytes := node.PutBytes
	if bytes == 0 {
		bytes = request.Size
	}
	return &network.PutResult{Bytes: bytes}, nil
}

func (node *FakeNode) Get(ctx context.Context, request *network.GetRequest) (*network.GetResult, error) {
	err := node.call("get", func() { node.gets = append(node.gets, request) })
	if err != nil {
		return nil, err
	}
	if err = node.wait(ctx); err != nil {
		return nil, err
	}
	return &network.GetResult{Size: node.GetSize, Checksum: "d41d8cd98f00b204e9800998ecf8427e"}, nil
}

func (node *FakeNode) List(ctx context.Context, request *network.ListRequest) ([]string, error) {
	return node.ListLines, node.call("list", nil)
}

func (node *FakeNode) Execute(ctx context.Context, request *network.ExecRequest) (string, error) {
	return node.ExecOutput, node.call("execute", nil)
}

func (node *FakeNode) Delete(ctx context.Context, request *network.DeleteRequest) error {
	return node.call("delete", func() { node.deleted = append(node.deleted, request.Paths...) })
}

func (node *FakeNode) Filter(ctx context.Context, request *network.FilterRequest) (*network.FilterResult, error) {
	err := node.call("filter", nil)
	if err != nil {
		return nil, err
	}
	return &network.FilterResult{Size: node.GetSize / 2}, nil
}

func (node *FakeNode) Check(ctx context.Context, host *models.Host) error {
	return node.call("check", nil)
}
