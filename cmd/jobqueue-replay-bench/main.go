// Command jobqueue-replay-bench exercises a queuebackend.Backend's
// Add/Replay/Done path end to end, outside of a running jobqueued: it
// seeds N synthetic jobs, times how long Replay takes to read them all
// back, then marks every job Done. Useful for smoke-testing a backend
// driver or benchmarking Replay time against a given backlog size.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/smukkama/jobqueued/internal/protocol"
	"github.com/smukkama/jobqueued/internal/queuebackend"
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
		qback    = flag.String("queue-backend", "sql", "queue backend to exercise: sql or kafka")
		pgDSN    = flag.String("pg-dsn", cfg.SQL.DSN, "PostgreSQL DSN for --queue-backend=sql")
		kBrokers = flag.String("kafka-brokers", strings.Join(cfg.Kafka.Brokers, ","), "comma-separated Kafka brokers for --queue-backend=kafka")
		kTopic   = flag.String("kafka-topic", cfg.Kafka.Topic, "Kafka topic for --queue-backend=kafka")
		count    = flag.Int("count", 1000, "number of synthetic jobs to seed")
		function = flag.String("function", "bench", "function name to tag seeded jobs with")
	)
	flag.Parse()

	var backend queuebackend.Backend
	switch *qback {
	case "sql":
		b, err := sqlqueue.Open(*pgDSN)
		if err != nil {
			log.Fatalf("Failed to open SQL queue backend: %v", err)
		}
		if err := b.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to migrate: %v", err)
		}
		defer b.Close()
		backend = b
	case "kafka":
		b := kafkaqueue.Open(kafkaqueue.Config{
			Brokers: strings.Split(*kBrokers, ","),
			Topic:   *kTopic,
		})
		defer b.Close()
		backend = b
	default:
		log.Fatalf("Unknown queue backend %q", *qback)
	}

	ctx := context.Background()
	fmt.Printf("Seeding %d jobs into function %q...\n", *count, *function)

	start := time.Now()
	for i := 0; i < *count; i++ {
		unique := strconv.Itoa(i)
		data := []byte(fmt.Sprintf("bench-payload-%d", i))
		if err := backend.Add(ctx, unique, *function, data, protocol.PriorityNormal); err != nil {
			log.Fatalf("Add(%d): %v", i, err)
		}
	}
	if err := backend.Flush(ctx); err != nil {
		log.Fatalf("Flush: %v", err)
	}
	seedElapsed := time.Since(start)
	fmt.Printf("Seeded %d jobs in %s (%.0f jobs/sec)\n", *count, seedElapsed, float64(*count)/seedElapsed.Seconds())

	replayed := 0
	start = time.Now()
	err = backend.Replay(ctx, func(unique, fn string, data []byte, priority protocol.Priority) error {
		replayed++
		return nil
	})
	if err != nil {
		log.Fatalf("Replay: %v", err)
	}
	replayElapsed := time.Since(start)
	fmt.Printf("Replayed %d jobs in %s (%.0f jobs/sec)\n", replayed, replayElapsed, float64(replayed)/replayElapsed.Seconds())

	start = time.Now()
	for i := 0; i < *count; i++ {
		if err := backend.Done(ctx, strconv.Itoa(i), *function); err != nil {
			log.Fatalf("Done(%d): %v", i, err)
		}
	}
	doneElapsed := time.Since(start)
	fmt.Printf("Marked %d jobs done in %s (%.0f jobs/sec)\n", *count, doneElapsed, float64(*count)/doneElapsed.Seconds())
}
