// Command leaderwatch joins a leader election on Consul or etcd, logs
// leadership transitions and serves the election's status and metrics over
// HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/consul/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/vimeo/leaderwatch"
	"github.com/vimeo/leaderwatch/consul"
	"github.com/vimeo/leaderwatch/entry"
	"github.com/vimeo/leaderwatch/etcd"
	"github.com/vimeo/leaderwatch/metrics"
)

var (
	backend       = kingpin.Flag("backend", "coordination service (consul or etcd)").Default("consul").Envar("LEADERWATCH_BACKEND").Enum("consul", "etcd")
	consulAddr    = kingpin.Flag("consul-addr", "address of the Consul agent").Default("127.0.0.1:8500").Envar("CONSUL_HTTP_ADDR").String()
	consulToken   = kingpin.Flag("consul-token", "Consul ACL token").Envar("CONSUL_HTTP_TOKEN").String()
	consulDC      = kingpin.Flag("consul-datacenter", "Consul datacenter (defaults to the agent's)").Envar("CONSUL_DATACENTER").String()
	etcdEndpoints = kingpin.Flag("etcd-endpoints", "comma-separated etcd endpoints").Default("127.0.0.1:2379").Envar("ETCD_ENDPOINTS").String()

	key         = kingpin.Flag("key", "path of the lock key").Required().Envar("LEADERWATCH_KEY").String()
	serviceName = kingpin.Flag("service-name", "name of the service taking part in the election").Required().Envar("LEADERWATCH_SERVICE_NAME").String()
	serviceID   = kingpin.Flag("service-id", "service instance ID (default: <service-name>-<uuid>)").Envar("LEADERWATCH_SERVICE_ID").String()
	address     = kingpin.Flag("address", "advertised address (default: first global unicast address)").Envar("LEADERWATCH_ADDRESS").String()
	port        = kingpin.Flag("port", "advertised port").Default("0").Envar("LEADERWATCH_PORT").Int()
	tags        = kingpin.Flag("tag", "service tag (repeatable)").Strings()
	checks      = kingpin.Flag("check", "health check the session is tied to (repeatable)").Strings()
	sessionTTL  = kingpin.Flag("session-ttl", "session TTL (etcd lease TTL)").Default("15s").Envar("LEADERWATCH_SESSION_TTL").Duration()

	listen      = kingpin.Flag("listen", "address of the status server").Default(":8080").Envar("LEADERWATCH_LISTEN").String()
	logLevel    = kingpin.Flag("log-level", "log level").Default("info").Envar("LOG_LEVEL").Enum("debug", "info", "warn", "error")
	logEncoding = kingpin.Flag("log-encoding", "log encoding").Default("json").Envar("LOG_ENCODING").Enum("json", "console")
)

func main() {
	kingpin.Parse()

	log, logErr := newLogger(*logLevel, *logEncoding, *serviceName)
	if logErr != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %s\n", logErr)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("leaderwatch failed", zap.Error(err))
	}
}

// newCoordinator connects to the selected backend. The returned func
// releases the client.
func newCoordinator(log *zap.Logger) (leaderwatch.Coordinator, func(), error) {
	switch *backend {
	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   strings.Split(*etcdEndpoints, ","),
			DialTimeout: 5 * time.Second,
			Logger:      log.Named("etcd"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		c := etcd.NewCoordinator(client)
		return c, func() {
			c.Close()
			client.Close()
		}, nil
	default:
		cfg := api.DefaultConfig()
		cfg.Address = *consulAddr
		client, err := api.NewClient(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create consul client: %w", err)
		}
		return consul.NewCoordinator(client,
			consul.WithToken(*consulToken),
			consul.WithDatacenter(*consulDC)), func() {}, nil
	}
}

func serviceDescriptor() (leaderwatch.ServiceDescriptor, error) {
	svc := leaderwatch.ServiceDescriptor{
		ID:      *serviceID,
		Name:    *serviceName,
		Address: *address,
		Port:    *port,
		Tags:    *tags,
		Checks:  *checks,
	}
	if svc.ID == "" {
		svc.ID = svc.Name + "-" + uuid.NewString()
	}
	if svc.Address == "" {
		addr, err := leaderwatch.SelfAddress()
		if err != nil {
			return svc, err
		}
		svc.Address = addr
	}
	return svc, nil
}

func run(log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord, closeCoord, coordErr := newCoordinator(log)
	if coordErr != nil {
		return coordErr
	}
	defer closeCoord()

	svc, svcErr := serviceDescriptor()
	if svcErr != nil {
		return svcErr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	el, elErr := leaderwatch.NewElector(leaderwatch.Config{
		Coordinator: coord,
		Key:         *key,
		Service:     svc,
		SessionTTL:  *sessionTTL,
		Logger:      log,
		Metrics:     metrics.New(reg, prometheus.Labels{"key": *key}),
	})
	if elErr != nil {
		return fmt.Errorf("invalid election config: %w", elErr)
	}
	el.SetLeaderCallback(func(li entry.LeaderInfo) {
		log.Info("leader changed",
			zap.String("leader_id", li.ID),
			zap.String("leader_addr", li.HostPort()),
			zap.Bool("self", li.ID == svc.ID))
	})

	srv := &http.Server{
		Addr:              *listen,
		Handler:           newRouter(el, reg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server failed", zap.Error(err))
			stop()
		}
	}()

	log.Info("joining election",
		zap.String("backend", *backend),
		zap.String("key", *key),
		zap.String("service_id", svc.ID))
	runErr := el.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to shut down status server", zap.Error(err))
	}

	if errors.Is(runErr, context.Canceled) {
		log.Info("left election")
		return nil
	}
	return runErr
}
