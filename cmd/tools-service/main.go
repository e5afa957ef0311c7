// Command tools-service runs the Tool Worker: one consumer per configured
// tool procedure, each applying its image operation and publishing results
// back through the Broker Controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"picturas.eve.evalgo.org/common"
	"picturas.eve.evalgo.org/config"
	"picturas.eve.evalgo.org/queue"
	"picturas.eve.evalgo.org/toolworker"
	"picturas.eve.evalgo.org/version"
)

// defaultPoolSize is the number of goroutines each tool worker uses to
// process its queue's deliveries concurrently.
const defaultPoolSize = 4

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "optional config file layered under the environment for tool routes/log level")
	flag.Parse()

	cfg, err := config.NewConfigLoader("TOOLS", *configFile).LoadAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		return 1
	}

	log := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Service.LogLevel),
		Format:  cfg.Service.LogFormat,
		Service: cfg.Service.Name,
		Version: version.GetModuleVersion(),
	}).WithField("service", "tools")

	log.WithFields(map[string]interface{}{
		"broker_host":     cfg.Broker.Host,
		"broker_password": common.MaskSecret(cfg.Broker.Password),
	}).Info("loaded configuration")

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	workerErr := make(chan error, len(cfg.Tools.Routes))
	for _, route := range cfg.Tools.Routes {
		w := toolworker.New(broker, toolworker.Config{
			Route:        queue.ToolRoute{Procedure: route.Procedure, QueueName: route.Procedure, RoutingKey: route.RoutingKey},
			ConsumerTag:  fmt.Sprintf("%s-%s", cfg.Service.Name, route.Procedure),
			Microservice: cfg.Service.Name,
			PoolSize:     defaultPoolSize,
		}, log)

		wg.Add(1)
		go func(procedure string) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && err != context.Canceled {
				log.WithError(err).WithField("procedure", procedure).Error("tool worker stopped with error")
				workerErr <- err
			}
		}(route.Procedure)
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-workerErr:
		_ = err
		exitCode = 1
		stop()
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
