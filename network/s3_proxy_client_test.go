package network_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/minio/minio-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newS3Proxy returns a proxy client talking to a fake endpoint that
// knows a single bucket called "proxy".
func newS3Proxy(t *testing.T, bucket string) *network.S3ProxyClient {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && strings.Trim(r.URL.Path, "/") == "proxy" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)
	endpoint := strings.TrimPrefix(server.URL, "http://")
	client, err := minio.NewWithRegion(endpoint, "key", "secret", false, "us-east-1")
	require.Nil(t, err)
	return network.NewS3ProxyClient("proxy-1", client, bucket, "spool")
}

func TestS3ProxyCheck(t *testing.T) {
	host := &models.Host{Name: "proxy-1"}
	assert.Nil(t, newS3Proxy(t, "proxy").Check(context.Background(), host))

	err := newS3Proxy(t, "missing").Check(context.Background(), host)
	require.NotNil(t, err)
	nodeErr := &network.NodeError{}
	require.True(t, errors.As(err, &nodeErr))
	assert.Equal(t, "check", nodeErr.Operation)
}

func TestS3ProxyUnsupported(t *testing.T) {
	proxy := newS3Proxy(t, "proxy")
	ctx := context.Background()
	assert.Equal(t, "proxy-1", proxy.Name())
	assert.Nil(t, proxy.CloseAllIncomingConnections(ctx))

	_, err := proxy.Get(ctx, &network.GetRequest{})
	assert.True(t, errors.Is(err, network.ErrNotSupported))
	_, err = proxy.Execute(ctx, &network.ExecRequest{})
	assert.True(t, errors.Is(err, network.ErrNotSupported))
	assert.True(t, errors.Is(proxy.Close(ctx, &models.DataTransfer{Id: 1}), network.ErrNotSupported))
	assert.True(t, errors.Is(proxy.RemoveFromMQTTBroker(ctx, "topic"), network.ErrNotSupported))
}
