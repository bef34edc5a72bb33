// Command agent-worker runs the job engine: a pool of queue workers, the
// coordinator, and the HTTP API, wired against Redis and the platform
// database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/loopcrew/agent-engine/agent"
	"github.com/loopcrew/agent-engine/billing"
	"github.com/loopcrew/agent-engine/config"
	"github.com/loopcrew/agent-engine/httpapi"
	"github.com/loopcrew/agent-engine/observe"
	"github.com/loopcrew/agent-engine/platform"
	"github.com/loopcrew/agent-engine/queue/redisstreams"
	"github.com/loopcrew/agent-engine/registry"
	statusredis "github.com/loopcrew/agent-engine/status/redis"
	"github.com/loopcrew/agent-engine/worker"
)

func main() {
	if err := run(); err != nil && err != context.Canceled {
		log.Fatalf("agent-worker: %v", err)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("ENGINE_CONFIG"), "path to engine config YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	store, err := platform.New(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open platform store: %w", err)
	}
	defer store.Close()

	statuses, err := statusredis.New(cfg.Redis.Addr,
		statusredis.WithPassword(cfg.Redis.Password),
		statusredis.WithDB(cfg.Redis.DB),
		statusredis.WithTTL(cfg.StatusTTL()),
	)
	if err != nil {
		return fmt.Errorf("open status store: %w", err)
	}
	defer statuses.Close()

	jobQueue, err := redisstreams.New(cfg.Redis.Addr,
		redisstreams.WithPassword(cfg.Redis.Password),
		redisstreams.WithDB(cfg.Redis.DB),
	)
	if err != nil {
		return fmt.Errorf("open job queue: %w", err)
	}
	defer jobQueue.Close()

	var meter billing.Meter = billing.NoopMeter{}
	if cfg.Metering.Endpoint != "" {
		meter, err = billing.NewHTTPMeter(cfg.Metering.Endpoint, billing.WithAPIKey(cfg.Metering.APIKey))
		if err != nil {
			return fmt.Errorf("configure metering: %w", err)
		}
	}

	var observer observe.Sink = observe.NoopSink{}
	if cfg.Logging.Verbose {
		observer = observe.NewMultiSink(observe.LogSink{})
	}

	registerAgents()

	policy := cfg.RuntimePolicy()
	coordinator, err := worker.NewCoordinator(statuses, store, jobQueue, observer, policy)
	if err != nil {
		return err
	}
	api, err := httpapi.NewServer(httpapi.Config{
		Addr: cfg.HTTP.Addr,
		Jobs: coordinator,
		Logs: store,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Worker.Count; i++ {
		w, err := worker.New(worker.Config{
			WorkerID: fmt.Sprintf("worker-%d", i+1),
			Capacity: cfg.Worker.Capacity,
		}, statuses, store, jobQueue, meter, observer, policy, nil)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return w.Start(ctx)
		})
	}
	group.Go(func() error {
		log.Printf("http api listening on %s", cfg.HTTP.Addr)
		return api.ListenAndServe(ctx)
	})

	log.Printf("engine started with %d workers", cfg.Worker.Count)
	return group.Wait()
}

// registerAgents installs the built-in agent types. Deployments with real
// model backends swap the provider here.
func registerAgents() {
	provider := agent.EchoProvider{}
	registry.MustRegister(registry.Entry{
		Key:  "prompt",
		Name: "Prompt Agent",
		Load: func() (agent.Agent, error) {
			return agent.NewPromptAgent(provider)
		},
	})
	registry.MustRegister(registry.Entry{
		Key:  "digest",
		Name: "Feed Digest Agent",
		Load: func() (agent.Agent, error) {
			// Local stand-in until the feed service client lands.
			feed := agent.FeedSourceFunc(func(ctx context.Context, tenantID string, topics []string, limit int) ([]agent.FeedItem, error) {
				return []agent.FeedItem{
					{ID: "demo-1", Author: "demo", Text: "sample feed post"},
				}, nil
			})
			return agent.NewDigestAgent(provider, feed)
		},
	})
}
