package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/relaydeploy/relay/internal/action"
	"github.com/relaydeploy/relay/internal/canary"
	"github.com/relaydeploy/relay/internal/config"
	"github.com/relaydeploy/relay/internal/events"
	"github.com/relaydeploy/relay/internal/httpserver"
	"github.com/relaydeploy/relay/internal/lease"
	"github.com/relaydeploy/relay/internal/pipeline"
	"github.com/relaydeploy/relay/internal/pipelinefile"
	"github.com/relaydeploy/relay/internal/probe"
	"github.com/relaydeploy/relay/internal/runner"
	"github.com/relaydeploy/relay/internal/service"
	"github.com/relaydeploy/relay/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	st := store.NewPGStore(db)
	if err := st.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	fileCfg, err := pipelinefile.Load(cfg.PipelineFile)
	if err != nil {
		log.Fatalf("pipeline file: %v", err)
	}

	coord := lease.NewCoordinator()
	prober := probe.NewProber(nil, nil)
	controller, err := buildCanaryController(fileCfg, st, prober)
	if err != nil {
		log.Fatalf("canary controller: %v", err)
	}

	graphs, err := buildGraphs(cfg, fileCfg, controller)
	if err != nil {
		log.Fatalf("build pipelines: %v", err)
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher: %v", err)
		}
		defer kp.Close()
		publisher = kp
	}

	var archiver events.Archiver
	if cfg.ArchiveS3Bucket != "" {
		a, err := events.NewS3Archiver(context.Background(), cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		archiver = a
	}

	svc, err := service.New(service.Config{
		Store:     st,
		Coord:     coord,
		Graphs:    graphs,
		Workers:   cfg.Workers,
		Publisher: publisher,
		Archiver:  archiver,
		Canary:    controller,
	})
	if err != nil {
		log.Fatalf("service init: %v", err)
	}

	server := httpserver.New(cfg, svc)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.RunWorker(ctx, svc, st, runner.Config{})

	go func() {
		log.Printf("relayd listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func buildCanaryController(fileCfg pipelinefile.Config, st store.Store, prober *probe.Prober) (*canary.Controller, error) {
	if fileCfg.Canary.DeployerURL == "" && fileCfg.Canary.SplitterURL == "" {
		return nil, nil
	}
	deployer, err := action.NewHTTPDeployer(fileCfg.Canary.DeployerURL, nil, 0)
	if err != nil {
		return nil, err
	}
	splitter, err := action.NewHTTPSplitter(fileCfg.Canary.SplitterURL, nil, 0)
	if err != nil {
		return nil, err
	}
	return canary.NewController(st, deployer, splitter, prober, nil), nil
}

func buildGraphs(cfg config.Config, fileCfg pipelinefile.Config, controller *canary.Controller) (map[string]*pipeline.Graph, error) {
	actions := make(map[string]pipeline.Action, len(fileCfg.Actions))
	for name, ac := range fileCfg.Actions {
		var timeout time.Duration
		if ac.Timeout != "" {
			d, err := time.ParseDuration(ac.Timeout)
			if err != nil {
				log.Fatalf("action %q: timeout: %v", name, err)
			}
			timeout = d
		}
		act, err := action.NewHTTPAction(ac.URL, nil, timeout)
		if err != nil {
			log.Fatalf("action %q: %v", name, err)
		}
		actions[name] = act
	}

	return pipelinefile.Build(fileCfg, pipelinefile.BuildDeps{
		Actions:          actions,
		DefaultLeaseWait: cfg.DefaultLeaseWait,
		CanaryAction: func(stage pipelinefile.StageConfig, cc pipelinefile.CanaryConfig) (pipeline.Action, error) {
			if controller == nil {
				log.Fatalf("stage %q declares a canary rollout but no canary endpoints are configured", stage.ID)
			}
			spec, err := canarySpec(cfg, stage, cc)
			if err != nil {
				return nil, err
			}
			return controller.Action(spec), nil
		},
	})
}

func canarySpec(cfg config.Config, stage pipelinefile.StageConfig, cc pipelinefile.CanaryConfig) (canary.Spec, error) {
	pol := probe.Policy{
		MaxAttempts:     cfg.ProbeAttempts,
		BaseInterval:    cfg.ProbeBaseInterval,
		InitialDelay:    cfg.ProbeSettleWait,
		ExpectStatus:    cc.ExpectStatus,
		ExpectSubstring: cc.ExpectSubstring,
	}
	if cc.MaxAttempts > 0 {
		pol.MaxAttempts = cc.MaxAttempts
	}
	if cc.BaseInterval != "" {
		d, err := time.ParseDuration(cc.BaseInterval)
		if err != nil {
			return canary.Spec{}, err
		}
		pol.BaseInterval = d
	}
	if cc.SettleWait != "" {
		d, err := time.ParseDuration(cc.SettleWait)
		if err != nil {
			return canary.Spec{}, err
		}
		pol.InitialDelay = d
	}
	return canary.Spec{
		Environment: cc.Environment,
		Group:       stage.Group,
		Steps:       cc.Steps,
		HealthPath:  cc.HealthPath,
		Probe:       pol,
	}, nil
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
