// Package api contains the webserver for the engine API proxy and the operational API
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"time"

	"github.com/NYTimes/gziphandler"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/cli"
	"github.com/flashbots/go-utils/httplogger"
	"github.com/flashbots/rollup-boost/common"
	"github.com/flashbots/rollup-boost/database"
	"github.com/flashbots/rollup-boost/datastore"
	"github.com/flashbots/rollup-boost/health"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	uberatomic "go.uber.org/atomic"
)

var (
	// Engine API (JSON-RPC)
	pathEngine = "/"

	// Operational API
	pathHealthz       = "/healthz"
	pathBuilderHealth = "/boost/v1/builder/health"
	pathEvents        = "/boost/v1/events"

	// Data API
	pathDataPayloadsDelivered = "/boost/v1/data/payloads_delivered"
	pathDataPayloadStats      = "/boost/v1/data/payload_stats"

	maxDataLimit = uint64(cli.GetEnvInt("DATA_API_MAX_LIMIT", 200))

	apiReadTimeoutMs       = cli.GetEnvInt("API_TIMEOUT_READ_MS", 10000)
	apiReadHeaderTimeoutMs = cli.GetEnvInt("API_TIMEOUT_READHEADER_MS", 1000)
	apiWriteTimeoutMs      = cli.GetEnvInt("API_TIMEOUT_WRITE_MS", 15000)
	apiIdleTimeoutMs       = cli.GetEnvInt("API_TIMEOUT_IDLE_MS", 60000)
	apiShutdownWaitMs      = cli.GetEnvInt("API_SHUTDOWN_WAIT_MS", 5000)
)

// ApiOpts contains the options for the proxy
type ApiOpts struct {
	Log *logrus.Entry

	ListenAddr string

	Dispatcher IDispatcher
	Health     *health.Monitor
	Redis      *datastore.RedisCache
	DB         database.IDatabaseService

	// JWTSecret enables inbound authentication of the consensus client
	JWTSecret []byte

	// AdminAPI enables the health, data and events endpoints
	AdminAPI bool

	// Whether to enable Pprof
	PprofAPI bool
}

// Api is the inbound endpoint of the consensus client
type Api struct {
	opts ApiOpts
	log  *logrus.Entry

	srv        *http.Server
	srvStarted uberatomic.Bool

	dispatcher IDispatcher
	health     *health.Monitor
	redis      *datastore.RedisCache
	db         database.IDatabaseService
	events     *EventStream
}

// NewApi creates a new service
func NewApi(opts ApiOpts) (*Api, error) {
	if opts.Log == nil {
		return nil, ErrMissingLogOpt
	}

	if opts.Dispatcher == nil {
		return nil, ErrMissingDispatcherOpt
	}

	if opts.AdminAPI && opts.Health == nil {
		return nil, ErrMissingHealthOpt
	}

	log := opts.Log.WithField("module", "api")
	api := &Api{
		opts:       opts,
		log:        log,
		dispatcher: opts.Dispatcher,
		health:     opts.Health,
		redis:      opts.Redis,
		db:         opts.DB,
	}

	if opts.AdminAPI {
		api.events = NewEventStream(log)
	}

	if opts.JWTSecret == nil {
		api.log.Warn("inbound JWT authentication is disabled")
	}

	return api, nil
}

// Events returns the server-sent event stream, nil when the admin API is disabled
func (api *Api) Events() *EventStream {
	return api.events
}

func (api *Api) getRouter() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc(pathEngine, api.handleJSONRPC).Methods(http.MethodPost)

	if api.opts.AdminAPI {
		r.HandleFunc(pathHealthz, api.handleHealthz).Methods(http.MethodGet)
		r.HandleFunc(pathBuilderHealth, api.handleGetBuilderHealth).Methods(http.MethodGet)
		r.HandleFunc(pathBuilderHealth, api.handleSetBuilderHealth).Methods(http.MethodPost)
		r.Handle(pathDataPayloadsDelivered, gziphandler.GzipHandler(http.HandlerFunc(api.handleDataPayloadsDelivered))).Methods(http.MethodGet)
		r.HandleFunc(pathDataPayloadStats, api.handleDataPayloadStats).Methods(http.MethodGet)
	}

	if api.opts.PprofAPI {
		r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	}

	loggedRouter := httplogger.LoggingMiddlewareLogrus(api.log, r)
	if api.events == nil {
		return loggedRouter
	}

	// the event stream needs the unwrapped writer to flush
	root := mux.NewRouter()
	root.Handle(pathEvents, api.events).Methods(http.MethodGet)
	root.PathPrefix("/").Handler(loggedRouter)
	return root
}

// StartServer starts the HTTP server for this instance
func (api *Api) StartServer() (err error) {
	if api.srvStarted.Swap(true) {
		return ErrServerAlreadyStarted
	}

	api.srv = &http.Server{
		Addr:    api.opts.ListenAddr,
		Handler: api.getRouter(),

		ReadTimeout:       time.Duration(apiReadTimeoutMs) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(apiReadHeaderTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(apiWriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       time.Duration(apiIdleTimeoutMs) * time.Millisecond,
	}

	api.log.WithField("listenAddr", api.opts.ListenAddr).Info("starting engine API server")
	err = api.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StopServer gracefully shuts down the HTTP server
func (api *Api) StopServer() error {
	if !api.srvStarted.Load() || api.srv == nil {
		return nil
	}
	if api.events != nil {
		api.events.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(apiShutdownWaitMs)*time.Millisecond)
	defer cancel()
	return api.srv.Shutdown(ctx)
}

func (api *Api) RespondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := HTTPErrorResp{code, message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		api.log.WithField("response", resp).WithError(err).Error("Couldn't write error response")
		http.Error(w, "", http.StatusInternalServerError)
	}
}

func (api *Api) RespondOK(w http.ResponseWriter, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		api.log.WithField("response", response).WithError(err).Error("Couldn't write OK response")
		http.Error(w, "", http.StatusInternalServerError)
	}
}

func (api *Api) handleHealthz(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ------------------
//  OPERATIONAL APIS
// ------------------

func (api *Api) handleGetBuilderHealth(w http.ResponseWriter, req *http.Request) {
	api.RespondOK(w, api.health.Snapshot())
}

func (api *Api) handleSetBuilderHealth(w http.ResponseWriter, req *http.Request) {
	var payload setBuilderHealthRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		api.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	state, ok := common.ParseHealthState(payload.State)
	if !ok {
		api.RespondError(w, http.StatusBadRequest, fmt.Sprintf("invalid state %q, expected healthy or unhealthy", payload.State))
		return
	}

	snapshot := api.health.Override(state)
	api.log.WithFields(logrus.Fields{
		"state": state,
		"ip":    common.GetIPXForwardedFor(req),
	}).Info("builder health overridden")
	api.RespondOK(w, snapshot)
}

// -----------
//  DATA APIS
// -----------

func (api *Api) handleDataPayloadsDelivered(w http.ResponseWriter, req *http.Request) {
	if api.db == nil {
		api.RespondError(w, http.StatusServiceUnavailable, "audit log is disabled")
		return
	}

	var err error
	args := req.URL.Query()

	filters := database.GetPayloadsFilters{
		Limit: maxDataLimit,
	}

	if args.Get("cursor") != "" {
		filters.Cursor, err = strconv.ParseUint(args.Get("cursor"), 10, 64)
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, "invalid cursor argument")
			return
		}
	}

	if args.Get("payload_id") != "" {
		var id common.PayloadID
		if err := id.UnmarshalText([]byte(args.Get("payload_id"))); err != nil {
			api.RespondError(w, http.StatusBadRequest, "invalid payload_id argument")
			return
		}
		filters.PayloadID = id.String()
	}

	if args.Get("source") != "" {
		switch source := common.PayloadSource(args.Get("source")); source {
		case common.PayloadSourceLocal, common.PayloadSourceBuilder:
			filters.Source = source.String()
		default:
			api.RespondError(w, http.StatusBadRequest, "invalid source argument")
			return
		}
	}

	if args.Get("block_hash") != "" {
		var hash ethcommon.Hash
		err = hash.UnmarshalText([]byte(args.Get("block_hash")))
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, "invalid block_hash argument")
			return
		}
		filters.BlockHash = hash.Hex()
	}

	if args.Get("block_number") != "" {
		filters.BlockNumber, err = strconv.ParseUint(args.Get("block_number"), 10, 64)
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, "invalid block_number argument")
			return
		}
	}

	if args.Get("limit") != "" {
		_limit, err := strconv.ParseUint(args.Get("limit"), 10, 64)
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, "invalid limit argument")
			return
		}
		if _limit > filters.Limit {
			api.RespondError(w, http.StatusBadRequest, fmt.Sprintf("maximum limit is %d", filters.Limit))
			return
		}
		filters.Limit = _limit
	}

	deliveredPayloads, err := api.db.GetRecentDeliveredPayloads(filters)
	if err != nil {
		api.log.WithError(err).Error("error getting recent payloads")
		api.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]DeliveredPayloadJSON, 0, len(deliveredPayloads))
	for _, payload := range deliveredPayloads {
		response = append(response, deliveredPayloadEntryToJSON(payload))
	}

	api.RespondOK(w, response)
}

func (api *Api) handleDataPayloadStats(w http.ResponseWriter, req *http.Request) {
	if api.redis == nil {
		api.RespondError(w, http.StatusServiceUnavailable, "payload stats are disabled")
		return
	}

	stats, err := api.redis.GetPayloadStats(req.Context())
	if err != nil {
		api.log.WithError(err).Error("error getting payload stats")
		api.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.RespondOK(w, stats)
}
