package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ecpds/master/acquisition"
	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/util/mutex"
)

// AcquisitionPolicy lists the directories of the acquisition hosts
// of running destinations and registers the new files.
type AcquisitionPolicy struct {
	services    *Services
	scanner     *acquisition.Scanner
	config      models.SchedulerConfig
	maxDuration time.Duration
}

func NewAcquisitionPolicy(services *Services, registrar acquisition.Registrar) *AcquisitionPolicy {
	config := services.schedulerConfig(constants.SchedulerAcquisition)
	scanner := acquisition.NewScanner(services.DB, registrar, services.Progress, services.Evaluator, services.Log)
	scanner.SetClock(services.Now)
	return &AcquisitionPolicy{
		services:    services,
		scanner:     scanner,
		config:      config,
		maxDuration: models.ParseDuration(config.MaxDuration, 30*time.Minute),
	}
}

func (policy *AcquisitionPolicy) SelectCandidates(ctx context.Context, batchSize int) ([]*models.DestinationHost, error) {
	pairs, err := policy.services.DB.GetDestinationsAndHostsForType(constants.HostTypeAcquisition, 0)
	if err != nil {
		return nil, err
	}
	now := policy.services.Now()
	due := make([]*models.DestinationHost, 0)
	for _, pair := range pairs {
		output, err := policy.services.DB.GetHostOutput(pair.Host.Name)
		if err != nil && !database.IsNotFound(err) {
			return nil, err
		}
		if pair.Host.AcquisitionDue(output, now) {
			due = append(due, pair)
		}
		if batchSize > 0 && len(due) >= batchSize {
			break
		}
	}
	return due, nil
}

func (policy *AcquisitionPolicy) Key(pair *models.DestinationHost) string {
	return pair.Destination.Name + "/" + pair.Host.Name
}

func (policy *AcquisitionPolicy) MaxWorkers() int {
	return maxThreads(policy.config, 50)
}

func (policy *AcquisitionPolicy) Admit(pair *models.DestinationHost, active []*models.DestinationHost) bool {
	return true
}

// Run scans the host through the first mover of its transfer group
// that answers, then records the outcome in the host output.
func (policy *AcquisitionPolicy) Run(ctx context.Context, pair *models.DestinationHost) error {
	if policy.config.AutoInterrupt {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.maxDuration)
		defer cancel()
	}
	movers, err := policy.services.Movers(pair.Host.TransferGroup)
	if err != nil {
		policy.saveOutput(pair.Host, err.Error())
		return err
	}
	var result *acquisition.Result
	for _, mover := range movers {
		result, err = policy.scanner.Scan(ctx, pair.Destination, pair.Host, mover)
		if err != nil {
			break
		}
		if !result.Summary.HasErrors() || ctx.Err() != nil {
			break
		}
		policy.services.Log.Warningf("Acquisition of %s through %s: %s", pair.Host.Name, mover.Name(),
			result.Summary.FirstError())
	}
	if err != nil {
		policy.saveOutput(pair.Host, err.Error())
		return err
	}
	output := result.String()
	if result.Summary.HasErrors() {
		output = output + "\n" + result.Summary.AllErrorsAsString()
	}
	if ctx.Err() == context.DeadlineExceeded {
		output = fmt.Sprintf("%s\nInterrupted after %s", output, policy.maxDuration)
	}
	policy.saveOutput(pair.Host, output)
	policy.services.Log.Infof("Acquisition of %s for %s: %s", pair.Host.Name, pair.Destination.Name, result.String())
	return nil
}

func (policy *AcquisitionPolicy) saveOutput(host *models.Host, output string) {
	err := policy.services.Locks.Do(mutex.OutputKey(host.Name), func() error {
		return policy.services.DB.UpdateHostOutput(&models.HostOutput{
			HostName:        host.Name,
			Output:          strings.TrimSpace(output),
			AcquisitionTime: policy.services.Now(),
		})
	})
	if err != nil {
		policy.services.Log.Warningf("Cannot save acquisition output of %s: %v", host.Name, err)
	}
}
