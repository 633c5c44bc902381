package network

import (
	"sync"
	"time"

	"github.com/minio/minio-go"
)

// NodeFactory builds the client of a node from its name and
// address.
type NodeFactory func(name, address string) (NodeClient, error)

// S3ClientFactory opens a client on an S3 endpoint.
type S3ClientFactory func(location *S3Location) (*minio.Client, error)

// NewNodeFactory returns the factory used in production: addresses
// with an s3 scheme get an S3ProxyClient, everything else a
// MoverClient.
func NewNodeFactory(timeout time.Duration, s3Factory S3ClientFactory) NodeFactory {
	return func(name, address string) (NodeClient, error) {
		if !IsS3Address(address) {
			return NewMoverClient(name, address, timeout), nil
		}
		location, err := ParseS3Address(address)
		if err != nil {
			return nil, err
		}
		client, err := s3Factory(location)
		if err != nil {
			return nil, nodeError(name, "connect", err)
		}
		return NewS3ProxyClient(name, client, location.Bucket, location.SpoolBucket), nil
	}
}

const anyAddress = "*"

type registeredNode struct {
	address string
	client  NodeClient
}

// NodeRegistry keeps one client per node. A client is rebuilt when
// the address of its node changes.
type NodeRegistry struct {
	factory NodeFactory
	nodes   map[string]*registeredNode
	mutex   sync.Mutex
}

func NewNodeRegistry(factory NodeFactory) *NodeRegistry {
	return &NodeRegistry{
		factory: factory,
		nodes:   make(map[string]*registeredNode),
	}
}

// Client returns the client of the named node, building it on
// first use.
func (registry *NodeRegistry) Client(name, address string) (NodeClient, error) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if node, ok := registry.nodes[name]; ok && (node.address == address || node.address == anyAddress) {
		return node.client, nil
	}
	client, err := registry.factory(name, address)
	if err != nil {
		return nil, err
	}
	registry.nodes[name] = &registeredNode{address: address, client: client}
	return client, nil
}

// Register installs a client for a node, used whatever the address
// of the node.
func (registry *NodeRegistry) Register(name string, client NodeClient) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	registry.nodes[name] = &registeredNode{address: anyAddress, client: client}
}

// Lookup returns a client that was built or registered before.
func (registry *NodeRegistry) Lookup(name string) (NodeClient, bool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	node, ok := registry.nodes[name]
	if !ok {
		return nil, false
	}
	return node.client, true
}

func (registry *NodeRegistry) Remove(name string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	delete(registry.nodes, name)
}

func (registry *NodeRegistry) Len() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return len(registry.nodes)
}
