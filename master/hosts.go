package master

import (
	"fmt"
	"time"

	"github.com/ecpds/master/models"
	"github.com/ecpds/master/util/mutex"
	"github.com/pkg/errors"
)

// ErrStaleUpdate is returned when the setup data of a host was
// changed after the caller read it.
var ErrStaleUpdate = errors.New("host data changed since it was read")

// UpdateHostData replaces the setup blob of a host. ReadTime is the
// DataUpdate the caller saw when it read the host; the write is
// refused with ErrStaleUpdate if someone else wrote in between.
func (master *Master) UpdateHostData(name, data string, readTime time.Time, user string) error {
	return master.Services.Locks.Do(mutex.HostKey(name), func() error {
		host, err := master.DB.GetHost(name)
		if err != nil {
			return err
		}
		if host.DataUpdate.After(readTime) {
			master.log.Warningf("Discarding data of host %s read at %s, updated at %s",
				name, readTime.Format(time.RFC3339), host.DataUpdate.Format(time.RFC3339))
			return errors.Wrapf(ErrStaleUpdate, "host %s", name)
		}
		host.Data = data
		host.DataUpdate = master.Services.Now()
		if err = master.DB.UpdateHost(host); err != nil {
			return err
		}
		return master.AddChangeLog("host", name, user, fmt.Sprintf("data updated (%d bytes)", len(data)))
	})
}

func (master *Master) UpdateHostStats(hostStats *models.HostStats) error {
	if hostStats.HostName == "" {
		return fmt.Errorf("Host stats without a host name")
	}
	return master.Services.Locks.Do(mutex.StatsKey(hostStats.HostName), func() error {
		return master.DB.UpdateHostStats(hostStats)
	})
}

func (master *Master) UpdateHostLocation(location *models.HostLocation) error {
	if location.HostName == "" {
		return fmt.Errorf("Host location without a host name")
	}
	return master.Services.Locks.Do(mutex.LocationKey(location.HostName), func() error {
		if location.UpdateTime.IsZero() {
			location.UpdateTime = master.Services.Now()
		}
		return master.DB.UpdateHostLocation(location)
	})
}

// UpdateHostOutput stores the output of the last acquisition run
// of a host. An output older than the stored one is ignored.
func (master *Master) UpdateHostOutput(output *models.HostOutput) error {
	if output.HostName == "" {
		return fmt.Errorf("Host output without a host name")
	}
	return master.Services.Locks.Do(mutex.OutputKey(output.HostName), func() error {
		stored, err := master.DB.GetHostOutput(output.HostName)
		if err != nil {
			return err
		}
		if !output.AcquisitionTime.IsZero() && stored.AcquisitionTime.After(output.AcquisitionTime) {
			return nil
		}
		return master.DB.UpdateHostOutput(output)
	})
}
