// Command projects-service runs the Projects Service: the HTTP surface for
// project/image/tool-chain CRUD and the Job Coordinator that drives tool
// chains across the message broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"picturas.eve.evalgo.org/api"
	"picturas.eve.evalgo.org/apperror"
	"picturas.eve.evalgo.org/common"
	"picturas.eve.evalgo.org/config"
	"picturas.eve.evalgo.org/db"
	httpserver "picturas.eve.evalgo.org/http"
	"picturas.eve.evalgo.org/jobcoordinator"
	"picturas.eve.evalgo.org/pushchannel"
	"picturas.eve.evalgo.org/queue"
	"picturas.eve.evalgo.org/security"
	"picturas.eve.evalgo.org/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "optional config file layered under the environment for tool routes/log level")
	flag.Parse()

	cfg, err := config.NewConfigLoader("PROJECTS", *configFile).LoadAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		return 1
	}

	log := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Service.LogLevel),
		Format:  cfg.Service.LogFormat,
		Service: cfg.Service.Name,
		Version: version.GetModuleVersion(),
	}).WithField("service", "projects")

	log.WithFields(map[string]interface{}{
		"db_host":         cfg.Database.Host,
		"db_password":     common.MaskSecret(cfg.Database.Password),
		"broker_host":     cfg.Broker.Host,
		"broker_password": common.MaskSecret(cfg.Broker.Password),
	}).Info("loaded configuration")

	store, err := db.Open(cfg.Database.DSN())
	if err != nil {
		log.WithError(err).Error("failed to connect to database")
		return 1
	}

	broker, err := queue.NewBroker(queue.BrokerConfig{
		URL:               cfg.Broker.URL(),
		Exchange:          cfg.Broker.Exchange,
		ResultsQueue:      cfg.Broker.ResultsQueue,
		ResultsRoutingKey: cfg.Broker.ResultsRoutingKey,
		Prefetch:          cfg.Broker.Prefetch,
		Tools:             toolRoutes(cfg.Tools.Routes),
	}, &queue.RealAMQPDialer{}, log)
	if err != nil {
		log.WithError(err).Error("failed to initialize broker")
		return 1
	}
	defer broker.Close()

	verifier, err := security.NewTokenVerifier(cfg.Auth.PublicKeyPath)
	if err != nil {
		log.WithError(err).Error("failed to load auth public key")
		return 1
	}

	push := pushchannel.New(log)
	coordinator := jobcoordinator.New(store, broker, push, jobcoordinator.Config{
		ImageRoot: cfg.Filesystem.ImageRoot,
		PublicURL: cfg.Public.PublicURL,
	}, log)

	handlers := api.NewHandlers(store, coordinator, push, cfg.Filesystem.ImageRoot, log)

	serverConfig := httpserver.ServerConfig{
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		BodyLimit:       "250M",
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
	}
	e := httpserver.NewEchoServer(serverConfig)
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(log)
	e.Use(httpserver.SecurityHeadersMiddleware())
	e.GET("/healthz", httpserver.HealthCheckHandlerWithDetails(cfg.Service.Name, version.GetModuleVersion(), func() map[string]interface{} {
		details := map[string]interface{}{"database": "ok", "broker": "ok"}
		if err := store.Ping(); err != nil {
			details["database"] = err.Error()
		}
		if err := broker.Ping(); err != nil {
			details["broker"] = err.Error()
		}
		return details
	}))
	handlers.RegisterRoutes(e, api.RequireBearerToken(verifier))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpserver.StartServer(e, serverConfig); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	coordinatorErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coordinator.Run(ctx); err != nil && err != context.Canceled {
			coordinatorErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		log.WithError(err).Error("HTTP server failed")
		exitCode = 1
		stop()
	case err := <-coordinatorErr:
		log.WithError(err).Error("job coordinator failed")
		exitCode = 1
		stop()
	}

	if err := httpserver.GracefulShutdown(e, serverConfig.ShutdownTimeout); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
		exitCode = 1
	}
	wg.Wait()

	return exitCode
}

func toolRoutes(routes []config.ToolRoute) []queue.ToolRoute {
	out := make([]queue.ToolRoute, 0, len(routes))
	for _, r := range routes {
		out = append(out, queue.ToolRoute{Procedure: r.Procedure, QueueName: r.Procedure, RoutingKey: r.RoutingKey})
	}
	return out
}
