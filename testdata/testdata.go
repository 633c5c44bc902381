package testdata

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/models"
	"github.com/icrowley/fake"
)

func MakeDataFile() *models.DataFile {
	name := RandomFileName()
	return &models.DataFile{
		Original:      "/data/incoming/" + name,
		Source:        RandomHostName(),
		Name:          name,
		Size:          int64(rand.Intn(5000000) + 1),
		Checksum:      fake.CharactersN(32),
		FilterName:    constants.FilterNone,
		TransferGroup: "group-1",
		ArrivedTime:   RandomDateTime(),
	}
}

// MakeDataTransfer returns a queued transfer of dataFile to the named
// destination and host.
func MakeDataTransfer(dataFile *models.DataFile, destination, host string) *models.DataTransfer {
	return &models.DataTransfer{
		DataFileId:  dataFile.Id,
		Destination: destination,
		Host:        host,
		Target:      dataFile.Name,
		UniqueKey:   dataFile.Name,
		StatusCode:  constants.StatusQueued,
		Priority:    rand.Intn(99),
		QueueTime:   time.Now().UTC(),
	}
}

func MakeDestination() *models.Destination {
	return &models.Destination{
		Name:           RandomName(),
		User:           fake.UserName(),
		UserMail:       fake.EmailAddress(),
		StatusCode:     constants.DestinationRunning,
		MaxConnections: 5,
		MaxRequeue:     3,
		RetryFrequency: time.Minute,
		TransferGroup:  "group-1",
		Setup:          make(map[string]string),
	}
}

func MakeHost(hostType string) *models.Host {
	return &models.Host{
		Name:           RandomHostName(),
		Type:           hostType,
		Active:         true,
		TransferGroup:  "group-1",
		Address:        fake.DomainName(),
		Login:          fake.UserName(),
		CheckEnabled:   true,
		CheckFrequency: time.Hour,
	}
}

func MakeTransferServer(group string) *models.TransferServer {
	return &models.TransferServer{
		Name:    "mover-" + strings.ToLower(fake.CharactersN(6)),
		Group:   group,
		Address: fmt.Sprintf("http://%s:%d", fake.IPv4(), 8000+rand.Intn(100)),
		Active:  true,
	}
}

func MakePublication(transferId int64) *models.Publication {
	return &models.Publication{
		DataTransferId: transferId,
		Options:        "lang=js",
		ScheduledTime:  time.Now().UTC().Add(-time.Minute),
	}
}

// RandomName returns a name acceptable to constants.NamePattern.
func RandomName() string {
	return strings.ToLower(fake.Word()) + "-" + strings.ToLower(fake.CharactersN(5))
}

func RandomHostName() string {
	return "host-" + strings.ToLower(fake.CharactersN(8))
}

func RandomFileName() string {
	return fmt.Sprintf("%s_%d.grib", strings.ToLower(fake.Word()), rand.Intn(100000))
}

// RandomDateTime returns a time within the last year.
func RandomDateTime() time.Time {
	return time.Now().UTC().Add(-time.Duration(rand.Intn(365*24)) * time.Hour)
}
