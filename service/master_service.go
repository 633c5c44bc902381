// Package service is the HTTP face of the master: the movers post
// their reports here, the operators drive the schedulers and the
// peer masters import destinations and send back transfer outcomes.
// Every reply is a network.NodeResponse.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/master"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/ecpds/master/transfer"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusRequest is the body of /transfer/status.
type StatusRequest struct {
	Id         int64  `json:"id"`
	StatusCode string `json:"status_code"`
	User       string `json:"user"`
	Comment    string `json:"comment"`
}

// ProgressRequest is the body of /progress.
type ProgressRequest struct {
	DataFileId int64 `json:"data_file_id"`
	Bytes      int64 `json:"bytes"`
}

// HostDataRequest is the body of /host/data. ReadTime is the
// DataUpdate of the host when the caller read it.
type HostDataRequest struct {
	Name     string    `json:"name"`
	Data     string    `json:"data"`
	ReadTime time.Time `json:"read_time"`
	User     string    `json:"user"`
}

type MasterService struct {
	port       int
	master     *master.Master
	messageLog *logging.Logger
	mux        *http.ServeMux
	server     *http.Server
}

// NewMasterService creates the service. Call Serve to listen on the
// port, or use Handler to mount it elsewhere.
func NewMasterService(port int, _master *master.Master, messageLog *logging.Logger) *MasterService {
	service := &MasterService{
		port:       port,
		master:     _master,
		messageLog: messageLog,
		mux:        http.NewServeMux(),
	}
	service.routes()
	service.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: service.mux,
	}
	return service
}

func (service *MasterService) routes() {
	mux := service.mux
	mux.HandleFunc("/transfer", service.get(service.getTransfer))
	mux.HandleFunc("/transfer/submit", service.post(service.submit))
	mux.HandleFunc("/transfer/status", service.post(service.updateStatus))
	mux.HandleFunc("/transfer/remote_status", service.post(service.remoteStatus))
	mux.HandleFunc("/progress", service.post(service.progress))

	mux.HandleFunc("/mover/report", service.post(service.moverReport))
	mux.HandleFunc("/mover/register", service.post(service.registerMover))
	mux.HandleFunc("/mover/status", service.get(service.moverStatus))
	mux.HandleFunc("/mover/volumes", service.get(service.volumeUsage))
	mux.HandleFunc("/mover/close_connections", service.post(service.closeConnections))
	mux.HandleFunc("/movers/purge", service.post(service.purgeMovers))
	mux.HandleFunc("/proxy/heartbeat", service.post(service.proxyHeartbeat))

	mux.HandleFunc("/destination", service.get(service.getDestination))
	mux.HandleFunc("/destination/start", service.post(service.startDestination))
	mux.HandleFunc("/destination/stop", service.post(service.stopDestination))
	mux.HandleFunc("/destination/import", service.post(service.importDestination))

	mux.HandleFunc("/scheduler/pause", service.post(service.pauseScheduler))
	mux.HandleFunc("/scheduler/resume", service.post(service.resumeScheduler))
	mux.HandleFunc("/scheduler/max_threads", service.post(service.setMaxThreads))
	mux.HandleFunc("/scheduler/interrupt", service.post(service.interrupt))

	mux.HandleFunc("/host/check", service.post(service.checkHost))
	mux.HandleFunc("/host/data", service.post(service.hostData))
	mux.HandleFunc("/host/stats", service.post(service.hostStats))
	mux.HandleFunc("/host/location", service.post(service.hostLocation))
	mux.HandleFunc("/host/output", service.post(service.hostOutput))

	mux.HandleFunc("/report", service.get(service.report))
	mux.Handle("/metrics", promhttp.Handler())
}

func (service *MasterService) Handler() http.Handler {
	return service.mux
}

// Serve listens on the service port until Shutdown is called.
func (service *MasterService) Serve() error {
	service.messageLog.Infof("Master service listening on port %d", service.port)
	err := service.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (service *MasterService) Shutdown(ctx context.Context) error {
	return service.server.Shutdown(ctx)
}

// handlerFunc returns the data of the reply, or an error.
type handlerFunc func(r *http.Request) (interface{}, error)

func (service *MasterService) get(fn handlerFunc) http.HandlerFunc {
	return service.wrap(http.MethodGet, fn)
}

func (service *MasterService) post(fn handlerFunc) http.HandlerFunc {
	return service.wrap(http.MethodPost, fn)
}

func (service *MasterService) wrap(method string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		service.messageLog.Debugf("%s %s from %s", r.Method, r.URL.RequestURI(), r.RemoteAddr)
		if r.Method != method {
			service.writeResponse(w, http.StatusMethodNotAllowed, nil,
				fmt.Errorf("Method %s not allowed, use %s.", r.Method, method))
			return
		}
		data, err := fn(r)
		if err != nil {
			service.messageLog.Warningf("%s %s: %v", r.Method, r.URL.Path, err)
		}
		service.writeResponse(w, statusFor(err), data, err)
	}
}

// badRequest marks errors in the request itself.
type badRequest struct {
	message string
}

func (err *badRequest) Error() string {
	return err.message
}

func newBadRequest(format string, a ...interface{}) error {
	return &badRequest{message: fmt.Sprintf(format, a...)}
}

func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	cause := errors.Cause(err)
	if _, ok := cause.(*badRequest); ok {
		return http.StatusBadRequest
	}
	switch {
	case cause == master.ErrNotConfigured || database.IsNotFound(err):
		return http.StatusNotFound
	case cause == master.ErrStaleUpdate || cause == transfer.ErrRefused || cause == transfer.ErrSameStatus:
		return http.StatusConflict
	case cause == transfer.ErrIllegalStatus:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (service *MasterService) writeResponse(w http.ResponseWriter, status int, data interface{}, err error) {
	response := network.NodeResponse{Succeeded: err == nil}
	if err != nil {
		response.ErrorMessage = err.Error()
	} else if data != nil {
		raw, marshalErr := json.Marshal(data)
		if marshalErr != nil {
			service.messageLog.Errorf("Cannot encode reply: %v", marshalErr)
			response = network.NodeResponse{ErrorMessage: "Cannot encode reply."}
			status = http.StatusInternalServerError
		} else {
			response.Data = raw
		}
	}
	body, _ := json.Marshal(response)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func readJson(r *http.Request, value interface{}) error {
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return newBadRequest("Cannot read request body: %v", err)
	}
	if err = json.Unmarshal(body, value); err != nil {
		return newBadRequest("Request body is not valid JSON: %v", err)
	}
	return nil
}

func requiredParam(r *http.Request, name string) (string, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return "", newBadRequest("Param '%s' is required.", name)
	}
	return value, nil
}

func intParam(r *http.Request, name string) (int64, error) {
	value, err := requiredParam(r, name)
	if err != nil {
		return 0, err
	}
	number, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, newBadRequest("Param '%s' must be an integer.", name)
	}
	return number, nil
}

func userParam(r *http.Request) string {
	if user := r.URL.Query().Get("user"); user != "" {
		return user
	}
	return constants.SystemUser
}

// ----- Transfers -----

func (service *MasterService) getTransfer(r *http.Request) (interface{}, error) {
	id, err := intParam(r, "id")
	if err != nil {
		return nil, err
	}
	return service.master.Manager.Transfer(id)
}

func (service *MasterService) submit(r *http.Request) (interface{}, error) {
	request := &models.TransferRequest{}
	if err := readJson(r, request); err != nil {
		return nil, err
	}
	if err := request.Validate(); err != nil {
		return nil, newBadRequest("%v", err)
	}
	return service.master.Submit(r.Context(), request)
}

func (service *MasterService) updateStatus(r *http.Request) (interface{}, error) {
	request := &StatusRequest{}
	if err := readJson(r, request); err != nil {
		return nil, err
	}
	if request.Id <= 0 || request.StatusCode == "" {
		return nil, newBadRequest("Fields 'id' and 'status_code' are required.")
	}
	user := request.User
	if user == "" {
		user = constants.SystemUser
	}
	err := service.master.UpdateStatus(r.Context(), request.Id, request.StatusCode, user, request.Comment)
	if err != nil {
		return nil, err
	}
	return service.master.Manager.Transfer(request.Id)
}

func (service *MasterService) remoteStatus(r *http.Request) (interface{}, error) {
	update := &network.RemoteStatusUpdate{}
	if err := readJson(r, update); err != nil {
		return nil, err
	}
	if update.RemoteId <= 0 {
		return nil, newBadRequest("Field 'remote_id' is required.")
	}
	return nil, service.master.UpdateRemoteStatus(update)
}

func (service *MasterService) progress(r *http.Request) (interface{}, error) {
	request := &ProgressRequest{}
	if err := readJson(r, request); err != nil {
		return nil, err
	}
	if !service.master.UpdateDownloadProgress(request.DataFileId, request.Bytes) {
		return nil, errors.Wrapf(database.ErrNotFound, "download of file %d", request.DataFileId)
	}
	return nil, nil
}

// ----- Movers and proxies -----

func (service *MasterService) moverReport(r *http.Request) (interface{}, error) {
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return nil, newBadRequest("Cannot read request body: %v", err)
	}
	report, err := models.MoverReportFromJson(body)
	if err != nil {
		service.master.Context.IncrementFailed()
		return nil, newBadRequest("%v", err)
	}
	return nil, service.master.ApplyMoverReport(report)
}

func (service *MasterService) registerMover(r *http.Request) (interface{}, error) {
	server := &models.TransferServer{}
	if err := readJson(r, server); err != nil {
		return nil, err
	}
	if server.Name == "" || server.Address == "" {
		return nil, newBadRequest("Fields 'name' and 'address' are required.")
	}
	return server, service.master.RegisterMover(server, userParam(r))
}

func (service *MasterService) moverStatus(r *http.Request) (interface{}, error) {
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	return service.master.MoverReport(r.Context(), name)
}

func (service *MasterService) volumeUsage(r *http.Request) (interface{}, error) {
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	n := int64(1)
	if r.URL.Query().Get("n") != "" {
		if n, err = intParam(r, "n"); err != nil {
			return nil, err
		}
	}
	return service.master.VolumeUsage(r.Context(), name, int(n))
}

func (service *MasterService) closeConnections(r *http.Request) (interface{}, error) {
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	return nil, service.master.CloseIncomingConnections(r.Context(), name)
}

func (service *MasterService) purgeMovers(r *http.Request) (interface{}, error) {
	purged, err := service.master.PurgeMovers(r.Context())
	return map[string]int{"purged": purged}, err
}

func (service *MasterService) proxyHeartbeat(r *http.Request) (interface{}, error) {
	proxy := &models.ProxyHost{}
	if err := readJson(r, proxy); err != nil {
		return nil, err
	}
	if proxy.Name == "" {
		return nil, newBadRequest("Field 'name' is required.")
	}
	return nil, service.master.ProxyHeartbeat(proxy)
}

// ----- Destinations -----

func (service *MasterService) getDestination(r *http.Request) (interface{}, error) {
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	return service.master.DB.GetDestination(name)
}

func (service *MasterService) startDestination(r *http.Request) (interface{}, error) {
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	return nil, service.master.StartDestination(name, userParam(r))
}

func (service *MasterService) stopDestination(r *http.Request) (interface{}, error) {
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	stopped, err := service.master.StopDestination(r.Context(), name, userParam(r))
	return map[string]int{"stopped": stopped}, err
}

func (service *MasterService) importDestination(r *http.Request) (interface{}, error) {
	remote, err := requiredParam(r, "remote")
	if err != nil {
		return nil, err
	}
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	return service.master.ImportDestination(r.Context(), remote, name, userParam(r))
}

// ----- Schedulers -----

func (service *MasterService) pauseScheduler(r *http.Request) (interface{}, error) {
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	return nil, service.master.PauseScheduler(name, userParam(r))
}

func (service *MasterService) resumeScheduler(r *http.Request) (interface{}, error) {
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	return nil, service.master.ResumeScheduler(name, userParam(r))
}

func (service *MasterService) setMaxThreads(r *http.Request) (interface{}, error) {
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	n, err := intParam(r, "n")
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, newBadRequest("Param 'n' must be an integer greater than zero.")
	}
	return nil, service.master.SetMaxThreads(name, int(n), userParam(r))
}

// interrupt cancels the worker running key, or every worker of the
// scheduler when no key is given.
func (service *MasterService) interrupt(r *http.Request) (interface{}, error) {
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		count, err := service.master.InterruptAll(name)
		return map[string]int{"interrupted": count}, err
	}
	interrupted, err := service.master.InterruptWorker(name, key)
	if err == nil && !interrupted {
		err = errors.Wrapf(database.ErrNotFound, "worker %s of %s", key, name)
	}
	return map[string]bool{"interrupted": interrupted}, err
}

// ----- Hosts -----

func (service *MasterService) checkHost(r *http.Request) (interface{}, error) {
	name, err := requiredParam(r, "name")
	if err != nil {
		return nil, err
	}
	checkErr := service.master.CheckHost(r.Context(), name)
	if database.IsNotFound(checkErr) {
		return nil, checkErr
	}
	// A failed probe shows in the stats.
	return service.master.DB.GetHostStats(name)
}

func (service *MasterService) hostData(r *http.Request) (interface{}, error) {
	request := &HostDataRequest{}
	if err := readJson(r, request); err != nil {
		return nil, err
	}
	if request.Name == "" {
		return nil, newBadRequest("Field 'name' is required.")
	}
	user := request.User
	if user == "" {
		user = constants.SystemUser
	}
	return nil, service.master.UpdateHostData(request.Name, request.Data, request.ReadTime, user)
}

func (service *MasterService) hostStats(r *http.Request) (interface{}, error) {
	hostStats := &models.HostStats{}
	if err := readJson(r, hostStats); err != nil {
		return nil, err
	}
	if hostStats.HostName == "" {
		return nil, newBadRequest("Field 'host_name' is required.")
	}
	return nil, service.master.UpdateHostStats(hostStats)
}

func (service *MasterService) hostLocation(r *http.Request) (interface{}, error) {
	location := &models.HostLocation{}
	if err := readJson(r, location); err != nil {
		return nil, err
	}
	if location.HostName == "" {
		return nil, newBadRequest("Field 'host_name' is required.")
	}
	return nil, service.master.UpdateHostLocation(location)
}

func (service *MasterService) hostOutput(r *http.Request) (interface{}, error) {
	output := &models.HostOutput{}
	if err := readJson(r, output); err != nil {
		return nil, err
	}
	if output.HostName == "" {
		return nil, newBadRequest("Field 'host_name' is required.")
	}
	return nil, service.master.UpdateHostOutput(output)
}

func (service *MasterService) report(r *http.Request) (interface{}, error) {
	return service.master.Report(), nil
}
