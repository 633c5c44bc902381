package repository

import (
	"time"

	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/op/go-logging"
)

// ProxyHostRepository tracks proxy heartbeats. A proxy whose last
// heartbeat is older than the timeout drops out of the cache without
// being flushed; live proxies persist their heartbeat.
type ProxyHostRepository struct {
	*Repository[*models.ProxyHost]
	db      database.DataBase
	timeout time.Duration
	now     func() time.Time
}

type proxyPolicy struct {
	repository *ProxyHostRepository
}

func NewProxyHostRepository(config models.RepositoryConfig, timeout time.Duration, db database.DataBase,
	log *logging.Logger) *ProxyHostRepository {
	proxyRepository := &ProxyHostRepository{
		db:      db,
		timeout: timeout,
		now:     time.Now,
	}
	options := Options{
		Name:              "ProxyHostRepository",
		Delay:             models.ParseDuration(config.Delay, 10*time.Second),
		MaxAuthorisedSize: config.MaxAuthorisedSize,
		FlushLive:         true,
	}
	proxyRepository.Repository = New[*models.ProxyHost](options, &proxyPolicy{proxyRepository}, log)
	return proxyRepository
}

// SetClock replaces the clock used for the heartbeat timeout.
func (proxyRepository *ProxyHostRepository) SetClock(now func() time.Time) {
	proxyRepository.now = now
}

// Heartbeat records that the proxy is alive now.
func (proxyRepository *ProxyHostRepository) Heartbeat(proxy *models.ProxyHost) {
	copied := *proxy
	copied.LastUpdate = proxyRepository.now().UTC()
	copied.Active = true
	proxyRepository.Put(&copied)
}

func (proxyRepository *ProxyHostRepository) IsAlive(name string) bool {
	proxy, ok := proxyRepository.Get(name)
	return ok && !proxyRepository.expired(proxy)
}

// Alive returns the proxies with a recent heartbeat.
func (proxyRepository *ProxyHostRepository) Alive() []*models.ProxyHost {
	alive := make([]*models.ProxyHost, 0)
	for _, proxy := range proxyRepository.List() {
		if !proxyRepository.expired(proxy) {
			copied := *proxy
			alive = append(alive, &copied)
		}
	}
	return alive
}

func (proxyRepository *ProxyHostRepository) expired(proxy *models.ProxyHost) bool {
	return proxy.LastUpdate.Add(proxyRepository.timeout).Before(proxyRepository.now())
}

func (policy *proxyPolicy) Key(proxy *models.ProxyHost) string {
	return proxy.Name
}

func (policy *proxyPolicy) Status(proxy *models.ProxyHost) string {
	if policy.repository.expired(proxy) {
		return "Lost"
	}
	return "Alive"
}

func (policy *proxyPolicy) Expired(proxy *models.ProxyHost) bool {
	return policy.repository.expired(proxy)
}

func (policy *proxyPolicy) Update(proxy *models.ProxyHost) error {
	return policy.repository.db.UpdateProxyHost(proxy)
}

func (policy *proxyPolicy) Less(a, b *models.ProxyHost) bool {
	return a.Name < b.Name
}
