package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/ecpds/master/models"
)

// NodeResponse is the envelope of every mover reply.
type NodeResponse struct {
	Succeeded    bool            `json:"succeeded"`
	ErrorMessage string          `json:"error_message"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// MoverClient talks JSON over HTTP to a mover. Each operation is a
// POST to serviceUrl/<operation> and gets a NodeResponse back.
type MoverClient struct {
	name       string
	serviceUrl string
	httpClient *http.Client
}

// NewMoverClient returns a client for the given mover. Address may
// be "host:port" or a full URL. Timeout bounds each request; zero
// means no timeout beyond the context of the call.
func NewMoverClient(name, address string, timeout time.Duration) *MoverClient {
	serviceUrl := strings.TrimRight(address, "/")
	if !strings.Contains(serviceUrl, "://") {
		serviceUrl = "http://" + serviceUrl
	}
	return &MoverClient{
		name:       name,
		serviceUrl: serviceUrl,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (client *MoverClient) Name() string {
	return client.name
}

// BaseURL returns the base URL of the mover.
func (client *MoverClient) BaseURL() string {
	return client.serviceUrl
}

func (client *MoverClient) Close(ctx context.Context, transfer *models.DataTransfer) error {
	params := map[string]interface{}{
		"data_transfer_id": transfer.Id,
		"unique_key":       transfer.UniqueKey,
	}
	return client.doRequest(ctx, "close", params, nil)
}

func (client *MoverClient) Purge(ctx context.Context, directories []string) error {
	return client.doRequest(ctx, "purge", map[string]interface{}{"directories": directories}, nil)
}

func (client *MoverClient) GetReport(ctx context.Context) (string, error) {
	report := ""
	err := client.doRequest(ctx, "report", nil, &report)
	return report, err
}

func (client *MoverClient) ComputeVolumeUsage(ctx context.Context, n int) ([]VolumeUsage, error) {
	usage := make([]VolumeUsage, 0)
	err := client.doRequest(ctx, "volumes", map[string]interface{}{"count": n}, &usage)
	return usage, err
}

func (client *MoverClient) PublishToMQTTBroker(ctx context.Context, message *MQTTMessage) error {
	return client.doRequest(ctx, "mqtt/publish", message, nil)
}

func (client *MoverClient) RemoveFromMQTTBroker(ctx context.Context, topic string) error {
	return client.doRequest(ctx, "mqtt/remove", map[string]interface{}{"topic": topic}, nil)
}

func (client *MoverClient) CloseAllIncomingConnections(ctx context.Context) error {
	return client.doRequest(ctx, "connections/close", nil, nil)
}

func (client *MoverClient) Put(ctx context.Context, request *PutRequest) (*PutResult, error) {
	result := &PutResult{}
	err := client.doRequest(ctx, "put", request, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (client *MoverClient) Get(ctx context.Context, request *GetRequest) (*GetResult, error) {
	result := &GetResult{}
	err := client.doRequest(ctx, "get", request, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (client *MoverClient) List(ctx context.Context, request *ListRequest) ([]string, error) {
	lines := make([]string, 0)
	err := client.doRequest(ctx, "list", request, &lines)
	return lines, err
}

func (client *MoverClient) Execute(ctx context.Context, request *ExecRequest) (string, error) {
	output := ""
	err := client.doRequest(ctx, "execute", request, &output)
	return output, err
}

func (client *MoverClient) Delete(ctx context.Context, request *DeleteRequest) error {
	return client.doRequest(ctx, "delete", request, nil)
}

func (client *MoverClient) Filter(ctx context.Context, request *FilterRequest) (*FilterResult, error) {
	result := &FilterResult{}
	err := client.doRequest(ctx, "filter", request, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (client *MoverClient) Check(ctx context.Context, host *models.Host) error {
	return client.doRequest(ctx, "check", host, nil)
}

func (client *MoverClient) doRequest(ctx context.Context, operation string, params interface{}, result interface{}) error {
	err := client.post(ctx, operation, params, result)
	return nodeError(client.name, operation, err)
}

func (client *MoverClient) post(ctx context.Context, operation string, params interface{}, result interface{}) error {
	body := []byte("{}")
	if params != nil {
		var err error
		body, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}
	url := fmt.Sprintf("%s/%s", client.serviceUrl, operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	nodeResponse := &NodeResponse{}
	err = json.Unmarshal(data, nodeResponse)
	if err != nil {
		return fmt.Errorf("Mover returned status %d and an unreadable body: %v", resp.StatusCode, err)
	}
	if nodeResponse.ErrorMessage != "" {
		return fmt.Errorf("%s", nodeResponse.ErrorMessage)
	}
	if resp.StatusCode != http.StatusOK || !nodeResponse.Succeeded {
		return fmt.Errorf("Mover returned status %d", resp.StatusCode)
	}
	if result != nil && len(nodeResponse.Data) > 0 {
		return json.Unmarshal(nodeResponse.Data, result)
	}
	return nil
}
