package acquisition

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/ecpds/master/progress"
	"github.com/ecpds/master/script"
	"github.com/op/go-logging"
	"golang.org/x/sync/errgroup"
)

// Registrar registers the files found by a scan.
type Registrar interface {
	Submit(ctx context.Context, request *models.TransferRequest) ([]*models.DataTransfer, error)
}

// Result counts what a scan did.
type Result struct {
	Listed     int
	Registered int
	Requeued   int
	Skipped    int
	Summary    *models.WorkSummary
}

func (result *Result) String() string {
	return fmt.Sprintf("listed %d, registered %d, requeued %d, skipped %d",
		result.Listed, result.Registered, result.Requeued, result.Skipped)
}

// Scanner lists the directories of an acquisition host and registers
// the new files.
type Scanner struct {
	db        database.DataBase
	registrar Registrar
	locks     *progress.Registry
	evaluator script.Evaluator
	log       *logging.Logger
	now       func() time.Time
}

func NewScanner(db database.DataBase, registrar Registrar, locks *progress.Registry,
	evaluator script.Evaluator, log *logging.Logger) *Scanner {
	return &Scanner{
		db:        db,
		registrar: registrar,
		locks:     locks,
		evaluator: evaluator,
		log:       log,
		now:       time.Now,
	}
}

func (scanner *Scanner) SetClock(now func() time.Time) {
	scanner.now = now
}

// Scan processes every line of the host's directory spec for the
// destination. A failing line is recorded in the summary and does
// not stop the others.
func (scanner *Scanner) Scan(ctx context.Context, destination *models.Destination, host *models.Host,
	node network.NodeClient) (*Result, error) {
	lines, err := ParseDirSpec(host.Dir)
	if err != nil {
		return nil, fmt.Errorf("Directory spec of host %s: %v", host.Name, err)
	}
	result := &Result{Summary: models.NewWorkSummary()}
	result.Summary.Node = node.Name()
	result.Summary.Start()
	defer result.Summary.Finish()
	var counters sync.Mutex
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := scanner.scanLine(ctx, destination, host, node, line, result, &counters)
		if err != nil {
			result.Summary.AddError("%s: %v", line.Raw, err)
			scanner.log.Warningf("Acquisition of %s on %s: %v", line.Raw, host.Name, err)
		}
	}
	return result, nil
}

func (scanner *Scanner) scanLine(ctx context.Context, destination *models.Destination, host *models.Host,
	node network.NodeClient, line *Line, result *Result, counters *sync.Mutex) error {
	now := scanner.now().UTC()
	directory, err := line.ResolvePath(now)
	if err != nil {
		return err
	}
	selector, err := NewSelector(line, scanner.evaluator)
	if err != nil {
		return err
	}
	listing, err := node.List(ctx, &network.ListRequest{Host: host, Path: directory})
	if err != nil {
		return err
	}
	entries := ParseListing(listing, now)
	counters.Lock()
	result.Listed += len(entries)
	counters.Unlock()

	parallel := line.GetInt("parallel", 1)
	if parallel < 1 {
		parallel = 1
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallel)
	for _, entry := range entries {
		if !selector.Accept(entry, now) {
			counters.Lock()
			result.Skipped++
			counters.Unlock()
			continue
		}
		entry := entry
		group.Go(func() error {
			outcome, err := scanner.register(groupCtx, destination, host, line, selector, directory, entry)
			counters.Lock()
			defer counters.Unlock()
			switch outcome {
			case outcomeRegistered:
				result.Registered++
			case outcomeRequeued:
				result.Requeued++
			default:
				result.Skipped++
			}
			if err != nil {
				result.Summary.AddError("%s: %v", entry.Name, err)
			}
			return groupCtx.Err()
		})
	}
	return group.Wait()
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeRegistered
	outcomeRequeued
)

// register submits an entry unless it is already registered. A
// registered entry is submitted again when the requeueon rule says
// so.
func (scanner *Scanner) register(ctx context.Context, destination *models.Destination, host *models.Host,
	line *Line, selector *Selector, directory string, entry *Entry) (outcome, error) {
	original := path.Join(directory, entry.Name)
	key := models.TransferLockKey(destination.Name, original)
	handle := progress.NewHandle(key, directory, 0, entry.Size)
	if _, locked := scanner.locks.LockTransfer(key, handle); !locked {
		return outcomeSkipped, nil
	}
	defer scanner.locks.UnlockTransfer(key)
	defer handle.Close()

	requeue := false
	existing, err := scanner.db.FindDataTransfer(destination.Name, original)
	switch {
	case err == nil:
		if !selector.CanRequeue() || isBusy(existing.StatusCode) {
			return outcomeSkipped, nil
		}
		var previousSize int64
		var previousTime time.Time
		if dataFile, err := scanner.db.GetDataFile(existing.DataFileId); err == nil {
			previousSize, previousTime = dataFile.RemoteSize, dataFile.RemoteTime
		}
		requeue, err = selector.Requeue(entry, previousSize, previousTime)
		if err != nil || !requeue {
			return outcomeSkipped, err
		}
		existing.Deleted = true
		existing.Comment = "Superseded by a new acquisition"
		if err = scanner.db.UpdateDataTransfer(existing); err != nil {
			return outcomeSkipped, err
		}
	case !database.IsNotFound(err):
		return outcomeSkipped, err
	}

	request := &models.TransferRequest{
		Destination: destination.Name,
		Source:      host.Name,
		Original:    original,
		Target:      targetName(line, entry.Name),
		UniqueKey:   original,
		Size:        entry.Size,
		Priority:    line.GetInt("priority", 99),
		Acquisition: true,
		RemoteSize:  entry.Size,
		RemoteTime:  entry.Time,
		User:        constants.SystemUser,
	}
	if _, err = scanner.registrar.Submit(ctx, request); err != nil {
		return outcomeSkipped, err
	}
	scanner.log.Debugf("Acquired %s from %s for %s", original, host.Name, destination.Name)
	if requeue {
		return outcomeRequeued, nil
	}
	return outcomeRegistered, nil
}

// targetName applies the optional "target" option, a template where
// $name is the listed file name.
func targetName(line *Line, name string) string {
	template := line.Get("target", "")
	if template == "" {
		return name
	}
	return strings.Replace(template, "$name", name, -1)
}

func isBusy(code string) bool {
	return code == constants.StatusTransferring || code == constants.StatusFetching
}
