package network

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/nsqio/nsq/nsqd"
)

// NSQStats contains info about the status of NSQ and its topics
// and queues. This info comes from a GET call to the /stats endpoint.
type NSQStats struct {
	StatusCode int          `json:"status_code"`
	StatusText string       `json:"status_txt"`
	Data       NSQStatsData `json:"data"`
}

// NSQStatsData contains the part of the /stats response we report:
// the depth and client counts of each topic and channel.
type NSQStatsData struct {
	Version string            `json:"version"`
	Health  string            `json:"health"`
	Topics  []nsqd.TopicStats `json:"topics"`
}

// TopicDepth returns the number of messages waiting in a topic and
// its channels, or -1 if the topic does not exist.
func (stats *NSQStats) TopicDepth(topic string) int64 {
	for _, topicStats := range stats.Data.Topics {
		if topicStats.TopicName != topic {
			continue
		}
		depth := topicStats.Depth
		for _, channel := range topicStats.Channels {
			depth += channel.Depth
		}
		return depth
	}
	return -1
}

// NSQClient posts messages to nsqd over HTTP. The master uses it
// to publish completion events; mover reports come in through an
// NSQ consumer instead.
type NSQClient struct {
	URL string
}

// NewNSQClient returns a client for the nsqd HTTP service at url,
// which is typically Config.NsqdHttpAddress and ends with :4151.
func NewNSQClient(url string) *NSQClient {
	return &NSQClient{URL: url}
}

// Publish puts body into the given topic.
func (client *NSQClient) Publish(topic string, body []byte) error {
	url := fmt.Sprintf("%s/put?topic=%s", client.URL, topic)
	resp, err := http.Post(url, "application/octet-stream", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("Nsqd returned an error when publishing to %s: %v", topic, err)
	}
	if resp == nil {
		return fmt.Errorf("No response from nsqd at '%s'. Is it running?", url)
	}

	// nsqd sends a simple OK. We have to read the response body,
	// or the connection will hang open forever.
	respBody, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != 200 {
		bodyText := "[no response body]"
		if len(respBody) > 0 {
			bodyText = string(respBody)
		}
		return fmt.Errorf("nsqd returned status code %d when publishing to %s. "+
			"Response body: %s", resp.StatusCode, topic, bodyText)
	}
	return nil
}

// PublishJson marshals value and publishes it.
func (client *NSQClient) PublishJson(topic string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("Cannot encode message for %s: %v", topic, err)
	}
	return client.Publish(topic, body)
}

// GetStats returns the stats of every topic. Note that requests to
// /stats/ (with trailing slash) produce a 404.
func (client *NSQClient) GetStats() (*NSQStats, error) {
	url := fmt.Sprintf("%s/stats?format=json", client.URL)
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	body, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("NSQ returned status code %d, body: %s",
			resp.StatusCode, body)
	}
	stats := &NSQStats{}
	err = json.Unmarshal(body, stats)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
