package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ecpds/master/models"
)

// RemoteStatusUpdate is what we send to a peer master when a
// transfer it submitted reaches a terminal status.
type RemoteStatusUpdate struct {
	RemoteId   int64     `json:"remote_id"`
	Master     string    `json:"master"`
	StatusCode string    `json:"status_code"`
	Comment    string    `json:"comment"`
	SentBytes  int64     `json:"sent_bytes"`
	FinishTime time.Time `json:"finish_time"`
}

// RemoteMaster is a client for the operations service of a peer
// master.
type RemoteMaster struct {
	name       string
	localName  string
	serviceUrl string
	httpClient *http.Client
}

// NewRemoteMaster returns a client for the peer master called name,
// reachable at serviceUrl. LocalName is how the peer knows us.
func NewRemoteMaster(name, serviceUrl, localName string) *RemoteMaster {
	return &RemoteMaster{
		name:       name,
		localName:  localName,
		serviceUrl: strings.TrimRight(serviceUrl, "/"),
		httpClient: &http.Client{Timeout: time.Minute},
	}
}

func (remote *RemoteMaster) Name() string {
	return remote.name
}

// ImportDestination fetches the definition of a destination from
// the peer.
func (remote *RemoteMaster) ImportDestination(ctx context.Context, name string) (*models.Destination, error) {
	reqUrl := fmt.Sprintf("%s/destination?name=%s", remote.serviceUrl, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqUrl, nil)
	if err != nil {
		return nil, err
	}
	destination := &models.Destination{}
	err = remote.doRequest(req, destination)
	if err != nil {
		return nil, fmt.Errorf("Cannot import destination %s from %s: %v", name, remote.name, err)
	}
	return destination, nil
}

// UpdateLocalTransferStatus tells the peer the outcome of the
// transfer it knows as remoteId.
func (remote *RemoteMaster) UpdateLocalTransferStatus(ctx context.Context, remoteId int64, transfer *models.DataTransfer) error {
	update := &RemoteStatusUpdate{
		RemoteId:   remoteId,
		Master:     remote.localName,
		StatusCode: transfer.StatusCode,
		Comment:    transfer.Comment,
		SentBytes:  transfer.SentBytes,
		FinishTime: transfer.FinishTime,
	}
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}
	reqUrl := fmt.Sprintf("%s/transfer/remote_status", remote.serviceUrl)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqUrl, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	err = remote.doRequest(req, nil)
	if err != nil {
		return fmt.Errorf("Cannot update transfer %d on %s: %v", remoteId, remote.name, err)
	}
	return nil
}

func (remote *RemoteMaster) doRequest(req *http.Request, result interface{}) error {
	resp, err := remote.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	response := &NodeResponse{}
	err = json.Unmarshal(data, response)
	if err != nil {
		return fmt.Errorf("status %d and an unreadable body: %v", resp.StatusCode, err)
	}
	if response.ErrorMessage != "" {
		return fmt.Errorf("%s", response.ErrorMessage)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if result != nil {
		if len(response.Data) == 0 {
			return fmt.Errorf("empty response")
		}
		return json.Unmarshal(response.Data, result)
	}
	return nil
}
