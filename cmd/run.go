package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flashbots/rollup-boost/common"
	"github.com/flashbots/rollup-boost/config"
	"github.com/flashbots/rollup-boost/database"
	"github.com/flashbots/rollup-boost/database/migrations"
	"github.com/flashbots/rollup-boost/datastore"
	"github.com/flashbots/rollup-boost/dispatcher"
	"github.com/flashbots/rollup-boost/engine"
	"github.com/flashbots/rollup-boost/health"
	"github.com/flashbots/rollup-boost/metrics"
	"github.com/flashbots/rollup-boost/services/api"
	"github.com/flashbots/rollup-boost/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("json", config.DefaultLogJSON, "log in JSON format instead of text")
	runCmd.Flags().String("log-level", config.DefaultLogLevel, "log-level: trace, debug, info, warn/warning, error, fatal, panic")
	runCmd.Flags().String("listen-addr", config.DefaultListenAddr, "listen address of the engine API proxy")
	runCmd.Flags().String("l2-url", config.DefaultL2URL, "authenticated engine API URL of the local execution engine")
	runCmd.Flags().String("builder-url", config.DefaultBuilderURL, "authenticated engine API URL of the builder")
	runCmd.Flags().String("metrics-addr", config.DefaultMetricsAddr, "listen address of the metrics endpoint, empty to disable")
	runCmd.Flags().String("redis-uri", config.DefaultRedisURI, "Redis uri, empty to disable")
	runCmd.Flags().String("db", config.DefaultPostgresDSN, "PostgreSQL DSN, empty to disable")
	runCmd.Flags().Bool("admin-api", false, "enable the operational API (/healthz, /boost/v1/...)")
	runCmd.Flags().Bool("pprof", false, "enable pprof API")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine API proxy",
	PreRun: func(cmd *cobra.Command, args []string) {
		_ = viper.BindPFlag(config.LogJSON, cmd.Flags().Lookup("json"))
		_ = viper.BindPFlag(config.LogLevel, cmd.Flags().Lookup("log-level"))
		_ = viper.BindPFlag(config.ListenAddr, cmd.Flags().Lookup("listen-addr"))
		_ = viper.BindPFlag(config.L2URL, cmd.Flags().Lookup("l2-url"))
		_ = viper.BindPFlag(config.BuilderURL, cmd.Flags().Lookup("builder-url"))
		_ = viper.BindPFlag(config.MetricsAddr, cmd.Flags().Lookup("metrics-addr"))
		_ = viper.BindPFlag(config.RedisURI, cmd.Flags().Lookup("redis-uri"))
		_ = viper.BindPFlag(config.PostgresDSN, cmd.Flags().Lookup("db"))
		_ = viper.BindPFlag(config.EnableAdminAPI, cmd.Flags().Lookup("admin-api"))
		_ = viper.BindPFlag(config.PprofEnabled, cmd.Flags().Lookup("pprof"))
	},
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		ctx := context.Background()

		log := common.LogSetup(config.GetBool(config.LogJSON), config.GetString(config.LogLevel)).WithFields(logrus.Fields{
			"service": "rollup-boost",
			"version": Version,
		})
		log.Infof("rollup-boost %s", Version)
		for env, value := range config.GetConfig() {
			log.WithField(env, value).Debug("config")
		}

		// Metrics and tracing
		if err = metrics.Setup(ctx); err != nil {
			log.WithError(err).Fatal("failed to set up metrics")
		}
		if metricsAddr := config.GetString(config.MetricsAddr); metricsAddr != "" {
			go startMetricsServer(log, metricsAddr)
		}

		shutdownTracing, err := telemetry.InitTracing(ctx, log, config.GetString(config.OTLPEndpoint), config.GetFloat64(config.OTLPSampleRate))
		if err != nil {
			log.WithError(err).Fatal("failed to set up tracing")
		}

		// Execution engines
		local, err := newEngineClient(ctx, log, engine.NameLocal, config.L2URL, config.L2HTTPURL, config.L2JWTSecret, config.L2JWTSecretPath, config.L2TimeoutMs)
		if err != nil {
			log.WithError(err).Fatal("failed to set up the local execution engine client")
		}
		builder, err := newEngineClient(ctx, log, engine.NameBuilder, config.BuilderURL, config.BuilderHTTPURL, config.BuilderJWTSecret, config.BuilderJWTSecretPath, config.BuilderTimeoutMs)
		if err != nil {
			log.WithError(err).Fatal("failed to set up the builder client")
		}

		startupCheck := common.MsToDuration(config.GetInt64(config.StartupCheckMs), 10*time.Second)
		if err = waitForEngine(ctx, log, local, startupCheck); err != nil {
			log.WithError(err).Fatalf("local execution engine at %s is unreachable", local.GetURI())
		}
		if err = engine.CheckReachable(ctx, builder); err != nil {
			// the health monitor takes care of the builder
			log.WithError(err).Warnf("builder at %s is unreachable", builder.GetURI())
		}

		// Builder health
		monitor, err := health.NewMonitor(log, health.Config{
			FailureThreshold:  uint64(config.GetInt(config.BuilderFailureThreshold)),
			RecoveryThreshold: uint64(config.GetInt(config.BuilderRecoveryThreshold)),
			ProbeInterval:     uint64(config.GetInt(config.BuilderProbeInterval)),
		})
		if err != nil {
			log.WithError(err).Fatal("invalid builder health configuration")
		}

		// Connect to Redis
		var redis *datastore.RedisCache
		if redisURI := config.GetString(config.RedisURI); redisURI != "" {
			redis, err = datastore.NewRedisCache(redisURI, config.GetString(config.RedisPrefix))
			if err != nil {
				log.WithError(err).Fatal("Failed to connect to Redis")
			}
			log.Info("Connected to Redis")
			restoreBuilderHealth(ctx, log, redis, monitor)
		}

		// Connect to Postgres
		var db database.IDatabaseService
		if postgresDSN := config.GetString(config.PostgresDSN); postgresDSN != "" {
			if config.GetBool(config.DBPrintSchema) {
				printSchema(log)
			}
			dbURL, err := url.Parse(postgresDSN)
			if err != nil {
				log.WithError(err).Fatalf("couldn't read db URL")
			}
			log.Infof("Connecting to Postgres database at %s%s ...", dbURL.Host, dbURL.Path)
			db, err = database.NewDatabaseService(postgresDSN)
			if err != nil {
				log.WithError(err).Fatalf("Failed to connect to Postgres database at %s%s", dbURL.Host, dbURL.Path)
			}
		}

		// Dispatcher
		cache, err := datastore.NewPayloadContextCache(log, config.GetInt(config.PayloadCacheSize), time.Duration(config.GetInt64(config.PayloadContextMaxAgeMs))*time.Millisecond)
		if err != nil {
			log.WithError(err).Fatal("failed to create the payload context cache")
		}
		stalePolicy, err := dispatcher.ParseStalePolicy(config.GetString(config.StalePayloadPolicy))
		if err != nil {
			log.WithError(err).Fatal("invalid stale payload policy")
		}
		d, err := dispatcher.NewDispatcher(dispatcher.Opts{
			Log:            log,
			Local:          local,
			Builder:        builder,
			Health:         monitor,
			Cache:          cache,
			StalePolicy:    stalePolicy,
			MirrorMethods:  config.GetStringSlice(config.BuilderMirrorMethods),
			SyncNewPayload: config.GetBool(config.BuilderSyncNewPayload),
		})
		if err != nil {
			log.WithError(err).Fatal("failed to create the dispatcher")
		}

		var recorder *dispatcher.AuditRecorder
		if db != nil || redis != nil {
			recorder = dispatcher.NewAuditRecorder(log, db, redis)
			recorder.Start()
			d.AddListener(recorder.Record)
		}

		// Proxy front end
		jwtSecret, err := common.LoadJWTSecret(config.GetString(config.JWTSecret), config.GetString(config.JWTSecretPath))
		if err != nil {
			log.WithError(err).Fatal("invalid inbound JWT secret")
		}
		listenAddr := config.GetString(config.ListenAddr)
		srv, err := api.NewApi(api.ApiOpts{
			Log:        log,
			ListenAddr: listenAddr,
			Dispatcher: d,
			Health:     monitor,
			Redis:      redis,
			DB:         db,
			JWTSecret:  jwtSecret,
			AdminAPI:   config.GetBool(config.EnableAdminAPI),
			PprofAPI:   config.GetBool(config.PprofEnabled),
		})
		if err != nil {
			log.WithError(err).Fatal("failed to create service")
		}
		if events := srv.Events(); events != nil {
			d.AddListener(events.PublishDelivery)
			monitor.AddListener(events.PublishHealth)
		}

		// Create a signal handler
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			log.Infof("signal received: %s", sig)
			err := srv.StopServer()
			if err != nil {
				log.WithError(err).Error("error stopping server")
			}
		}()

		// Start the server
		log.Infof("Webserver starting on %s ...", listenAddr)
		err = srv.StartServer()
		if err != nil {
			log.WithError(err).Fatal("server error")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), common.DefaultShutdownTimeout)
		defer cancel()
		if err := d.Drain(shutdownCtx); err != nil {
			log.WithError(err).Warn("advisory builder calls still in flight")
		}
		if recorder != nil {
			recorder.Stop()
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to flush traces")
		}
		if db != nil {
			_ = db.Close()
		}
		if redis != nil {
			_ = redis.Close()
		}
		log.Info("bye")
	},
}

func newEngineClient(ctx context.Context, log *logrus.Entry, name, urlKey, httpURLKey, secretKey, secretPathKey, timeoutKey string) (engine.IEngineClient, error) {
	secret, err := common.LoadJWTSecret(config.GetString(secretKey), config.GetString(secretPathKey))
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, fmt.Errorf("%w: %s: %w", common.ErrConfiguration, name, common.ErrInvalidJWTSecret)
	}

	client, err := engine.NewRPCEngineClient(ctx, engine.RPCEngineClientOpts{
		Log:       log,
		Name:      name,
		URL:       config.GetString(urlKey),
		HTTPURL:   config.GetString(httpURLKey),
		JWTSecret: secret,
		Timeout:   common.MsToDuration(config.GetInt64(timeoutKey), common.DefaultEngineTimeout),
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"engine": name,
		"url":    client.GetURI(),
	}).Info("execution engine client ready")
	return engine.WithTracing(client), nil
}

// waitForEngine retries the reachability check with exponential backoff until timeout
func waitForEngine(ctx context.Context, log *logrus.Entry, client engine.IEngineClient, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout

	return backoff.RetryNotify(func() error {
		return engine.CheckReachable(ctx, client)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.WithError(err).WithField("engine", client.Name()).Warnf("engine not reachable, retrying in %s", next)
	})
}

func restoreBuilderHealth(ctx context.Context, log *logrus.Entry, redis *datastore.RedisCache, monitor *health.Monitor) {
	snapshot, err := redis.GetBuilderHealth(ctx)
	if err != nil {
		log.WithError(err).Error("failed to load builder health from redis")
	} else if snapshot != nil {
		monitor.Restore(*snapshot)
	}

	monitor.AddListener(func(t health.Transition) {
		saveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := redis.SaveBuilderHealth(saveCtx, t.Health); err != nil {
			log.WithError(err).Error("failed to save builder health to redis")
		}
	})
}

func startMetricsServer(log *logrus.Entry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second,
	}
	log.Infof("metrics server starting on %s ...", addr)
	if err := srv.ListenAndServe(); err != nil {
		log.WithError(err).Error("metrics server error")
	}
}

func printSchema(log *logrus.Entry) {
	for _, m := range migrations.Migrations.Migrations {
		log.WithField("migration", m.Id).Info("\n" + strings.Join(m.Up, "\n"))
	}
}
