// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bridgemq/bridgemq/internal/config"
	"github.com/bridgemq/bridgemq/internal/eventbus"
	"github.com/bridgemq/bridgemq/internal/maintenance"
	"github.com/bridgemq/bridgemq/internal/model"
	"github.com/bridgemq/bridgemq/internal/obslog"
	"github.com/bridgemq/bridgemq/internal/producer"
	"github.com/bridgemq/bridgemq/internal/redisclient"
	"github.com/bridgemq/bridgemq/internal/repository"
	"github.com/bridgemq/bridgemq/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var meshID string
	var jobType string
	var payload string
	var workerTypes string
	var workerStack string
	var workerCaps string
	var workerRegion string
	var watchScope string
	var watchTarget string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "worker", "Role to run: worker|maintainer|create|watch")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&meshID, "mesh", "default", "Mesh id to operate against")
	fs.StringVar(&jobType, "type", "", "Job type (role=create)")
	fs.StringVar(&payload, "payload", "{}", "Raw job payload (role=create)")
	fs.StringVar(&workerTypes, "worker-types", "", "Comma-separated job types this worker claims (empty = all)")
	fs.StringVar(&workerStack, "worker-stack", "", "This worker's stack label for routing")
	fs.StringVar(&workerCaps, "worker-capabilities", "", "Comma-separated capability tags")
	fs.StringVar(&workerRegion, "worker-region", "", "This worker's region label for routing")
	fs.StringVar(&watchScope, "watch-scope", "global", "Event scope to watch: global|mesh|job|server|type (role=watch)")
	fs.StringVar(&watchTarget, "watch-target", "", "Id for mesh/job/server/type scopes (role=watch)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obslog.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := redisclient.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store connect failed", obslog.Err(err))
	}
	defer driver.Close()

	repo := repository.New(driver.Primary(), cfg.Namespace)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obslog.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obslog.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	switch role {
	case "worker":
		runWorker(ctx, cfg, repo, logger, meshID, workerTypes, workerStack, workerCaps, workerRegion)
	case "maintainer":
		m := maintenance.New(cfg, repo, logger)
		m.Run(ctx)
	case "create":
		runCreate(ctx, cfg, repo, logger, meshID, jobType, payload)
	case "watch":
		runWatch(ctx, driver, cfg, logger, watchScope, watchTarget)
	default:
		logger.Fatal("unknown role", obslog.String("role", role))
	}
}

func runWorker(ctx context.Context, cfg *config.Config, repo *repository.Repository, logger *zap.Logger, meshID, types, stack, caps, region string) {
	var typeList []string
	if types != "" {
		typeList = strings.Split(types, ",")
	}
	var capList []string
	if caps != "" {
		capList = strings.Split(caps, ",")
	}

	id := worker.Identity{Stack: stack, Capabilities: capList, Region: region}
	w := worker.New(cfg, repo, logger, meshID, id, typeList, echoHandler)
	if err := w.Run(ctx); err != nil {
		logger.Error("worker stopped", obslog.Err(err))
	}
}

func runCreate(ctx context.Context, cfg *config.Config, repo *repository.Repository, logger *zap.Logger, meshID, jobType, payload string) {
	if jobType == "" {
		logger.Fatal("role=create requires --type")
	}
	p := producer.New(cfg, repo, logger)
	result, err := p.Submit(ctx, producer.Submission{
		MeshID: meshID, Type: jobType, Payload: []byte(payload),
	})
	if err != nil {
		logger.Fatal("create job failed", obslog.Err(err))
	}
	b, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(b))
}

// runWatch subscribes to one event scope and prints each event as it
// arrives, newline-delimited JSON, until ctx is cancelled (spec §4.10: the
// event bus exists for fan-out to subscribers; this is the simplest one).
func runWatch(ctx context.Context, driver *redisclient.Driver, cfg *config.Config, logger *zap.Logger, scope, target string) {
	bus := eventbus.New(driver.PubSub(), cfg.Namespace)

	var sub *redis.PubSub
	switch scope {
	case "global":
		sub = bus.SubscribeGlobal(ctx)
	case "mesh":
		sub = bus.SubscribeMesh(ctx, target)
	case "job":
		sub = bus.SubscribeJob(ctx, target)
	case "server":
		sub = bus.SubscribeServer(ctx, target)
	case "type":
		sub = bus.SubscribeType(ctx, target)
	default:
		logger.Fatal("unknown watch scope", obslog.String("scope", scope))
	}
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := eventbus.Decode(msg.Payload); err != nil {
				logger.Warn("undecodable event payload", obslog.Err(err))
				continue
			}
			fmt.Println(msg.Payload)
		}
	}
}

// echoHandler is the default handler for the standalone worker binary: it
// simply echoes the payload back as the result. Real deployments wire
// worker.New with a domain-specific Handler instead of running this binary.
func echoHandler(_ context.Context, job model.Job, _ model.JobConfig) ([]byte, error) {
	return job.Payload, nil
}
