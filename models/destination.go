package models

import (
	"strconv"
	"time"

	"github.com/ecpds/master/constants"
)

// Destination is a logical delivery channel. It reaches its Hosts
// through priority-ordered Associations.
type Destination struct {
	Name       string `json:"name"`
	User       string `json:"user"`
	UserMail   string `json:"user_mail"`
	StatusCode string `json:"status_code"`
	Monitor    bool   `json:"monitor"`
	// MaxConnections is the per-destination ceiling of concurrent
	// transmissions. Zero means no ceiling.
	MaxConnections int           `json:"max_connections"`
	MaxRequeue     int           `json:"max_requeue"`
	RetryFrequency time.Duration `json:"retry_frequency"`
	// MaxLifetime sets the expiry time of new transfers. Zero
	// means transfers never expire.
	MaxLifetime     time.Duration `json:"max_lifetime"`
	MailOnEnd       bool          `json:"mail_on_end"`
	MailOnError     bool          `json:"mail_on_error"`
	DeleteFromSpool bool          `json:"delete_from_spool"`
	BackupHost      string        `json:"backup_host"`
	ProxyHost       string        `json:"proxy_host"`
	TransferGroup   string        `json:"transfer_group"`
	// Aliases are the destinations that get their own
	// DataTransfer for every file sent to this one.
	Aliases []string `json:"aliases"`
	// EventOptions are the options of the publications created
	// when transfers complete. Empty means no publication.
	EventOptions string `json:"event_options"`
	RemoteMaster string `json:"remote_master"`
	// Setup is the free-form key/value bag of scheduler settings.
	Setup map[string]string `json:"setup"`
}

// Association links a Destination to a Host. Lower priority values
// are tried first.
type Association struct {
	Destination string `json:"destination"`
	Host        string `json:"host"`
	Priority    int    `json:"priority"`
}

// IsRunning returns true if the destination accepts transmissions.
func (destination *Destination) IsRunning() bool {
	return destination.StatusCode == constants.DestinationRunning
}

// SetupString returns the value of a setup key, or defaultValue.
func (destination *Destination) SetupString(key, defaultValue string) string {
	if value, ok := destination.Setup[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

// SetupInt returns the integer value of a setup key, or
// defaultValue if it is missing or not a number.
func (destination *Destination) SetupInt(key string, defaultValue int) int {
	value, ok := destination.Setup[key]
	if !ok {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// SetupBool returns the boolean value of a setup key, or
// defaultValue.
func (destination *Destination) SetupBool(key string, defaultValue bool) bool {
	value, ok := destination.Setup[key]
	if !ok {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}
