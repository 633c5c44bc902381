package network

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ecpds/master/models"
	"github.com/minio/minio-go"
	"github.com/pkg/errors"
)

// ErrNotSupported is returned by nodes for the operations their
// tier cannot perform.
var ErrNotSupported = errors.New("operation not supported by this node")

// S3ProxyClient is a proxy node fronting an S3 compatible storage
// tier. The movers mirror their spool into SpoolBucket; a proxy
// upload is a server side copy from there into Bucket.
type S3ProxyClient struct {
	name        string
	client      *minio.Client
	Bucket      string
	SpoolBucket string
}

// S3Location is the parsed address of an S3 proxy:
// s3://endpoint/bucket?spool=spoolbucket
type S3Location struct {
	Endpoint    string
	Bucket      string
	SpoolBucket string
	Secure      bool
}

// IsS3Address returns true if the node address points to an S3
// storage tier.
func IsS3Address(address string) bool {
	return strings.HasPrefix(address, "s3://") || strings.HasPrefix(address, "s3+http://")
}

// ParseS3Address parses an S3 proxy address. The spool bucket
// defaults to "spool". Use the s3+http scheme for endpoints
// without TLS.
func ParseS3Address(address string) (*S3Location, error) {
	parsed, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("Invalid S3 address '%s': %v", address, err)
	}
	if parsed.Scheme != "s3" && parsed.Scheme != "s3+http" {
		return nil, fmt.Errorf("Invalid S3 address '%s': scheme must be s3 or s3+http", address)
	}
	bucket := strings.Trim(parsed.Path, "/")
	if parsed.Host == "" || bucket == "" {
		return nil, fmt.Errorf("Invalid S3 address '%s': expected s3://endpoint/bucket", address)
	}
	spoolBucket := parsed.Query().Get("spool")
	if spoolBucket == "" {
		spoolBucket = "spool"
	}
	return &S3Location{
		Endpoint:    parsed.Host,
		Bucket:      bucket,
		SpoolBucket: spoolBucket,
		Secure:      parsed.Scheme == "s3",
	}, nil
}

// NewS3ProxyClient returns a proxy node using client.
func NewS3ProxyClient(name string, client *minio.Client, bucket, spoolBucket string) *S3ProxyClient {
	return &S3ProxyClient{
		name:        name,
		client:      client,
		Bucket:      bucket,
		SpoolBucket: spoolBucket,
	}
}

func (proxy *S3ProxyClient) Name() string {
	return proxy.name
}

func (proxy *S3ProxyClient) Close(ctx context.Context, transfer *models.DataTransfer) error {
	return nodeError(proxy.name, "close", ErrNotSupported)
}

// Purge removes every object under the given prefixes.
func (proxy *S3ProxyClient) Purge(ctx context.Context, directories []string) error {
	for _, directory := range directories {
		prefix := strings.TrimLeft(directory, "/")
		for _, object := range proxy.listObjects(ctx, prefix) {
			if object.Err != nil {
				return nodeError(proxy.name, "purge", object.Err)
			}
			err := proxy.client.RemoveObject(proxy.Bucket, object.Key)
			if err != nil {
				return nodeError(proxy.name, "purge", err)
			}
		}
	}
	return nil
}

func (proxy *S3ProxyClient) GetReport(ctx context.Context) (string, error) {
	usage, err := proxy.ComputeVolumeUsage(ctx, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("S3 proxy %s: bucket %s holds %d objects (%s)", proxy.name,
		proxy.Bucket, usage[0].Files, humanize.Bytes(uint64(usage[0].Bytes))), nil
}

// ComputeVolumeUsage returns the usage of the proxy bucket. An S3
// tier has one volume, whatever n is.
func (proxy *S3ProxyClient) ComputeVolumeUsage(ctx context.Context, n int) ([]VolumeUsage, error) {
	usage := VolumeUsage{Volume: proxy.Bucket}
	for _, object := range proxy.listObjects(ctx, "") {
		if object.Err != nil {
			return nil, nodeError(proxy.name, "volumes", object.Err)
		}
		usage.Files++
		usage.Bytes += object.Size
	}
	return []VolumeUsage{usage}, nil
}

func (proxy *S3ProxyClient) PublishToMQTTBroker(ctx context.Context, message *MQTTMessage) error {
	return nodeError(proxy.name, "mqtt/publish", ErrNotSupported)
}

func (proxy *S3ProxyClient) RemoveFromMQTTBroker(ctx context.Context, topic string) error {
	return nodeError(proxy.name, "mqtt/remove", ErrNotSupported)
}

func (proxy *S3ProxyClient) CloseAllIncomingConnections(ctx context.Context) error {
	return nil
}

// Put copies the spool object named by request.Source into the
// proxy bucket under request.Target.
func (proxy *S3ProxyClient) Put(ctx context.Context, request *PutRequest) (*PutResult, error) {
	start := time.Now()
	target := strings.TrimLeft(request.Target, "/")
	source := minio.NewSourceInfo(proxy.SpoolBucket, strings.TrimLeft(request.Source, "/"), nil)
	destination, err := minio.NewDestinationInfo(proxy.Bucket, target, nil, nil)
	if err != nil {
		return nil, nodeError(proxy.name, "put", err)
	}
	if err = ctx.Err(); err != nil {
		return nil, nodeError(proxy.name, "put", err)
	}
	err = proxy.client.CopyObject(destination, source)
	if err != nil {
		return nil, nodeError(proxy.name, "put", err)
	}
	info, err := proxy.client.StatObject(proxy.Bucket, target, minio.StatObjectOptions{})
	if err != nil {
		return nil, nodeError(proxy.name, "put", err)
	}
	return &PutResult{Bytes: info.Size, Duration: time.Since(start)}, nil
}

func (proxy *S3ProxyClient) Get(ctx context.Context, request *GetRequest) (*GetResult, error) {
	return nil, nodeError(proxy.name, "get", ErrNotSupported)
}

// List returns the objects under request.Path formatted as "ls -l"
// lines, so that acquisition can read proxies like any host.
func (proxy *S3ProxyClient) List(ctx context.Context, request *ListRequest) ([]string, error) {
	prefix := strings.TrimLeft(request.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	lines := make([]string, 0)
	for _, object := range proxy.listObjects(ctx, prefix) {
		if object.Err != nil {
			return nil, nodeError(proxy.name, "list", object.Err)
		}
		lines = append(lines, fmt.Sprintf("-rw-r--r-- 1 s3 s3 %d %s %s",
			object.Size, object.LastModified.UTC().Format("2006-01-02 15:04"), path.Base(object.Key)))
	}
	return lines, nil
}

func (proxy *S3ProxyClient) Execute(ctx context.Context, request *ExecRequest) (string, error) {
	return "", nodeError(proxy.name, "execute", ErrNotSupported)
}

func (proxy *S3ProxyClient) Delete(ctx context.Context, request *DeleteRequest) error {
	for _, objectPath := range request.Paths {
		err := proxy.client.RemoveObject(proxy.Bucket, strings.TrimLeft(objectPath, "/"))
		if err != nil {
			return nodeError(proxy.name, "delete", err)
		}
	}
	return nil
}

func (proxy *S3ProxyClient) Filter(ctx context.Context, request *FilterRequest) (*FilterResult, error) {
	return nil, nodeError(proxy.name, "filter", ErrNotSupported)
}

// Check succeeds when the proxy bucket exists.
func (proxy *S3ProxyClient) Check(ctx context.Context, host *models.Host) error {
	exists, err := proxy.client.BucketExists(proxy.Bucket)
	if err != nil {
		return nodeError(proxy.name, "check", err)
	}
	if !exists {
		return nodeError(proxy.name, "check", fmt.Errorf("bucket %s does not exist", proxy.Bucket))
	}
	return nil
}

func (proxy *S3ProxyClient) listObjects(ctx context.Context, prefix string) []minio.ObjectInfo {
	doneCh := make(chan struct{})
	defer close(doneCh)
	objects := make([]minio.ObjectInfo, 0)
	for object := range proxy.client.ListObjectsV2(proxy.Bucket, prefix, true, doneCh) {
		objects = append(objects, object)
		if object.Err != nil {
			break
		}
		if err := ctx.Err(); err != nil {
			objects = append(objects, minio.ObjectInfo{Err: err})
			break
		}
	}
	return objects
}
