package workers

import (
	"context"
	"fmt"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/util/mutex"
)

// HostCheckPolicy probes the hosts whose check is due through a
// mover of their transfer group and records the outcome in the host
// stats.
type HostCheckPolicy struct {
	services *Services
	config   models.SchedulerConfig
}

func NewHostCheckPolicy(services *Services) *HostCheckPolicy {
	return &HostCheckPolicy{
		services: services,
		config:   services.schedulerConfig(constants.SchedulerHostCheck),
	}
}

func (policy *HostCheckPolicy) SelectCandidates(ctx context.Context, batchSize int) ([]*models.Host, error) {
	return policy.services.DB.GetHostsToCheck(batchSize)
}

func (policy *HostCheckPolicy) Key(host *models.Host) string {
	return host.Name
}

func (policy *HostCheckPolicy) MaxWorkers() int {
	return maxThreads(policy.config, 5)
}

func (policy *HostCheckPolicy) Admit(host *models.Host, active []*models.Host) bool {
	return true
}

func (policy *HostCheckPolicy) Run(ctx context.Context, host *models.Host) error {
	checkErr := policy.Check(ctx, host)
	if checkErr != nil {
		policy.services.Log.Warningf("Check of host %s failed: %v", host.Name, checkErr)
	}
	return nil
}

// Check probes the host now and records the result. It returns the
// check failure, if any.
func (policy *HostCheckPolicy) Check(ctx context.Context, host *models.Host) error {
	services := policy.services
	movers, checkErr := services.Movers(host.TransferGroup)
	for _, mover := range movers {
		if checkErr = mover.Check(ctx, host); checkErr == nil || ctx.Err() != nil {
			break
		}
	}

	var becameInvalid bool
	err := services.Locks.Do(mutex.StatsKey(host.Name), func() error {
		stats, err := services.DB.GetHostStats(host.Name)
		if err != nil {
			return err
		}
		wasValid := stats.Valid || stats.CheckCount == 0
		stats.CheckTime = services.Now()
		stats.CheckCount++
		if checkErr != nil {
			stats.FailureCount++
			stats.Valid = false
			stats.Message = checkErr.Error()
		} else {
			stats.Valid = true
			stats.Message = "OK"
		}
		becameInvalid = wasValid && !stats.Valid
		return services.DB.UpdateHostStats(stats)
	})
	if err != nil {
		services.Log.Errorf("Cannot save check of host %s: %v", host.Name, err)
	}
	if becameInvalid {
		policy.mail(host, checkErr)
	}
	return checkErr
}

func (policy *HostCheckPolicy) mail(host *models.Host, checkErr error) {
	services := policy.services
	if services.Mailer == nil || !host.MailOnError || host.UserMail == "" {
		return
	}
	subject := fmt.Sprintf("Host %s is not reachable", host.Name)
	body := fmt.Sprintf("The check of host %s (%s) failed at %s:\n\n%v\n",
		host.Name, host.Address, services.Now().Format("2006-01-02 15:04:05"), checkErr)
	if err := services.Mailer.SendMail(host.UserMail, "", subject, body, nil); err != nil {
		services.Log.Warningf("Cannot mail %s about host %s: %v", host.UserMail, host.Name, err)
	}
}
