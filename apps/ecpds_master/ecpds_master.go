package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	ecpdscontext "github.com/ecpds/master/context"
	"github.com/ecpds/master/master"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/service"
)

// See printUsage for a description.
func main() {
	pathToConfigFile := parseCommandLine()
	config, err := models.LoadConfigFile(pathToConfigFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	_context := ecpdscontext.NewContext(config)
	defer _context.Close()
	_context.MessageLog.Info("ecpds_master started")

	_master, err := master.New(_context, nil)
	if err != nil {
		_context.MessageLog.Fatalf("Cannot build master: %v", err)
	}
	if err = _master.Start(context.Background()); err != nil {
		_context.MessageLog.Fatalf("Cannot start master: %v", err)
	}

	masterService := service.NewMasterService(config.ServicePort, _master, _context.MessageLog)
	serviceErr := make(chan error, 1)
	go func() {
		serviceErr <- masterService.Serve()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		_context.MessageLog.Infof("Received %v, shutting down", sig)
	case err = <-serviceErr:
		if err != nil {
			_context.MessageLog.Errorf("Operations service stopped: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = masterService.Shutdown(ctx); err != nil {
		_context.MessageLog.Warningf("Operations service shutdown: %v", err)
	}
	_master.Stop()
	_context.MessageLog.Info("ecpds_master stopped")
}

func parseCommandLine() (configFile string) {
	var pathToConfigFile string
	flag.StringVar(&pathToConfigFile, "config", "", "Path to ECPDS master config file")
	flag.Parse()
	if pathToConfigFile == "" {
		printUsage()
		os.Exit(1)
	}
	return pathToConfigFile
}

// Tell the user about the program.
func printUsage() {
	message := `
ecpds_master is the coordination node of the dissemination system. It accepts
transfer requests, runs the download, transmission, replication, backup, proxy,
purge, acquisition, host check and event schedulers that are enabled in the
config file, and applies the status reports sent by the data movers. Operators
and peer masters talk to it over HTTP, on the port given by the ServicePort
setting of the JSON config file. Use Control-C or SIGTERM to shut it down; the
repositories are flushed before the process exits.

Usage: ecpds_master -config=<absolute path to ECPDS config file>

Param -config is required.
`
	fmt.Println(message)
}
