package workers

import (
	"context"
	"fmt"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
)

// ProxyPolicy uploads spool files to the proxy host of their
// destination, from where remote users pick them up.
type ProxyPolicy struct {
	services *Services
	config   models.SchedulerConfig
}

func NewProxyPolicy(services *Services) *ProxyPolicy {
	return &ProxyPolicy{
		services: services,
		config:   services.schedulerConfig(constants.SchedulerProxy),
	}
}

func (policy *ProxyPolicy) SelectCandidates(ctx context.Context, batchSize int) ([]*CopyJob, error) {
	dataTransfers, err := policy.services.DB.GetDataTransfersToProxy(batchSize)
	if err != nil {
		return nil, err
	}
	destinations := newDestinationCache(policy.services)
	return policy.services.copyJobs(dataTransfers, func(dataTransfer *models.DataTransfer, _ *models.DataFile) string {
		destination := destinations.get(dataTransfer.Destination)
		if destination == nil {
			return ""
		}
		return destination.ProxyHost
	})
}

func (policy *ProxyPolicy) Key(job *CopyJob) string {
	return job.Transfer.Key()
}

func (policy *ProxyPolicy) MaxWorkers() int {
	return maxThreads(policy.config, 5)
}

// Admit limits the concurrent uploads to the same proxy.
func (policy *ProxyPolicy) Admit(job *CopyJob, active []*CopyJob) bool {
	return admitPerNode(job, active, policy.config.MaxThreadsPerHost)
}

func (policy *ProxyPolicy) Run(ctx context.Context, job *CopyJob) error {
	services := policy.services
	dataTransfer, ok := services.eligible(job.Transfer,
		constants.StatusQueued, constants.StatusRequeued, constants.StatusStandBy)
	if !ok || dataTransfer.ProxyHost != "" {
		return nil
	}
	if services.Proxies != nil && !services.Proxies.IsAlive(job.Node) {
		return fmt.Errorf("Proxy %s sent no heartbeat recently", job.Node)
	}
	proxy, err := services.Node(job.Node)
	if err != nil {
		services.Record(dataTransfer, constants.StatusStopped, fmt.Sprintf("Proxy upload failed: %v", err), true)
		return err
	}

	summary := models.NewWorkSummary()
	summary.Node = proxy.Name()
	summary.Start()
	request := &network.PutRequest{
		Kind:           constants.UploadProxy,
		DataTransferId: dataTransfer.Id,
		DataFileId:     job.DataFile.Id,
		Source:         job.DataFile.SpoolPath(),
		Target:         dataTransfer.Target,
		Size:           job.DataFile.TransmittedSize(),
		Priority:       dataTransfer.Priority,
	}
	result, err := proxy.Put(ctx, request)
	summary.Finish()
	if err != nil {
		comment := fmt.Sprintf("Proxy upload to %s failed: %v", proxy.Name(), err)
		services.Record(dataTransfer, constants.StatusStopped, comment, true)
		return err
	}
	summary.Bytes = result.Bytes

	now := services.Now()
	destinations := newDestinationCache(services)
	_, err = services.UpdateTransfersOfFile(job.DataFile.Id, func(other *models.DataTransfer) bool {
		if other.ProxyHost != "" {
			return false
		}
		destination := destinations.get(other.Destination)
		if destination == nil || destination.ProxyHost != job.Node {
			return false
		}
		other.ProxyHost = job.Node
		other.ProxyTime = now
		return true
	})
	if err != nil {
		return err
	}
	services.Record(dataTransfer, dataTransfer.StatusCode, summary.Describe("Uploaded", proxy.Name()), false)
	services.upload(dataTransfer, constants.UploadProxy, proxy.Name(), job.Node, summary)
	return nil
}
