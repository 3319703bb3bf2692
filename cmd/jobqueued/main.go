// Command jobqueued is the job server daemon: it loads configuration,
// wires up the optional queue backend and stats mirror, and runs
// internal/ioserver until a signal or the core loop itself asks for
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/jobqueued/internal/adminstats"
	"github.com/smukkama/jobqueued/internal/ioserver"
	"github.com/smukkama/jobqueued/internal/queuebackend/kafkaqueue"
	"github.com/smukkama/jobqueued/internal/queuebackend/sqlqueue"
	"github.com/smukkama/jobqueued/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var (
		listen  multiFlag
		ports   multiFlag
		threads = flag.Int("threads", cfg.Server.Threads, "acceptor goroutines per listener")
		backlog = flag.Int("backlog", cfg.Server.Backlog, "advisory listen backlog")
		verbose = flag.Bool("verbose", cfg.Server.Verbose, "log connection/backend activity")
		qback   = flag.String("queue-backend", string(cfg.Server.QueueBackend), "queue backend: none, sql, or kafka")
		pgDSN   = flag.String("pg-dsn", cfg.SQL.DSN, "PostgreSQL DSN for --queue-backend=sql")
		kBroker = flag.String("kafka-brokers", "", "comma-separated Kafka brokers for --queue-backend=kafka")
		kTopic  = flag.String("kafka-topic", cfg.Kafka.Topic, "Kafka topic for --queue-backend=kafka")
		pidFile = flag.String("pid-file", cfg.Server.PIDFile, "write the daemon's PID to this file")
	)
	flag.Var(&listen, "listen", "host:port to listen on (repeatable)")
	flag.Var(&ports, "port", "shorthand for -listen 0.0.0.0:<port> (repeatable)")
	flag.Parse()

	_ = backlog // advisory only: net.Listen doesn't expose a backlog knob on most platforms

	addrs := cfg.Server.Addrs
	if len(listen) > 0 || len(ports) > 0 {
		addrs = listen
		for _, port := range ports {
			addrs = append(addrs, "0.0.0.0:"+port)
		}
	}

	if *pidFile != "" {
		if err := os.WriteFile(*pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			log.Fatalf("Failed to write pid file: %v", err)
		}
		defer os.Remove(*pidFile)
	}

	ioCfg := ioserver.Config{
		Addrs:         addrs,
		Threads:       *threads,
		Verbose:       *verbose,
		StatsInterval: cfg.Server.StatsInterval,
	}

	switch config.QueueBackendKind(*qback) {
	case config.QueueBackendNone:
	case config.QueueBackendSQL:
		backend, err := sqlqueue.Open(*pgDSN)
		if err != nil {
			log.Fatalf("Failed to open SQL queue backend: %v", err)
		}
		if err := backend.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to migrate SQL queue backend: %v", err)
		}
		defer backend.Close()
		ioCfg.Backend = backend
		fmt.Println("Queue backend: PostgreSQL")
	case config.QueueBackendKafka:
		brokers := cfg.Kafka.Brokers
		if *kBroker != "" {
			brokers = strings.Split(*kBroker, ",")
		}
		backend := kafkaqueue.Open(kafkaqueue.Config{
			Brokers:      brokers,
			Topic:        *kTopic,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
		})
		defer backend.Close()
		ioCfg.Backend = backend
		fmt.Println("Queue backend: Kafka")
	default:
		log.Fatalf("Unknown queue backend %q", *qback)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		fmt.Printf("Note: Redis unavailable, stats publishing disabled: %v\n", err)
	} else {
		ioCfg.Stats = adminstats.New(redisClient, 2*cfg.Server.StatsInterval)
		fmt.Println("Connected to Redis for stats publishing")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "jobqueued"
	}
	srv := ioserver.New(ioCfg, hostname)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
		fmt.Println("\n✓ jobqueued is running")
		for i := range addrs {
			fmt.Printf("✓ listening on %s\n", srv.ListenAddr(i))
		}
		fmt.Println("✓ Press Ctrl+C to stop")
	case err := <-runErr:
		log.Fatalf("Failed to start: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down gracefully...")
		srv.Shutdown(true)
	case err := <-runErr:
		if err != nil {
			log.Fatalf("Server exited: %v", err)
		}
		return
	}

	cancel()
	if err := <-runErr; err != nil {
		log.Fatalf("Server exited: %v", err)
	}
}

// multiFlag collects repeated -listen/-port flags into a slice.
type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint([]string(*m)) }

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}
