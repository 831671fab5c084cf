package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundryrun/foundry/internal/broker"
	"github.com/foundryrun/foundry/internal/config"
	"github.com/foundryrun/foundry/internal/executor"
	"github.com/foundryrun/foundry/internal/logging"
	"github.com/foundryrun/foundry/internal/nativelib"
	"github.com/foundryrun/foundry/internal/resultbackend"
	"github.com/foundryrun/foundry/internal/runner"
	"github.com/foundryrun/foundry/internal/store"
	"github.com/foundryrun/foundry/internal/supervisor"
	"github.com/foundryrun/foundry/internal/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker process operations",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a worker process consuming its configured queues",
	RunE:  runWorkerStart,
}

// reaperInterval is how often a worker requeues its own stale processing
// entries left behind by an earlier crashed run.
const reaperInterval = 30 * time.Second

// reserveTimeout bounds each queue's poll so a worker configured for
// several queues cycles through all of them instead of blocking on one.
const reserveTimeout = 2 * time.Second

func init() {
	workerCmd.AddCommand(workerStartCmd)
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := logging.WithComponent("worker")

	b, err := broker.New(cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer b.Close()

	backend, err := resultbackend.Open(cfg.ResultBackendURL)
	if err != nil {
		return fmt.Errorf("open result backend: %w", err)
	}
	defer backend.Close()

	st, err := store.New(cfg.SharePath)
	if err != nil {
		return fmt.Errorf("open share store: %w", err)
	}

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	session := nativelib.Default()
	sup := supervisor.New(cfg, b, backend, session, workerID)
	exec := &executor.Executor{Store: st, Backend: backend, Broker: b, Session: session, Cfg: cfg}

	runner.SetMainProcess()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Boot(ctx); err != nil {
		return fmt.Errorf("boot native library session: %w", err)
	}
	if err := sup.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("crash recovery failed")
	}
	go sup.RunReaper(ctx, reaperInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	log.Info().Str("worker_id", workerID).Strs("queues", cfg.Queues).Msg("worker started")
	runWorkerLoop(ctx, cfg, b, exec, sup, workerID)

	sup.Shutdown(context.Background())
	log.Info().Msg("worker stopped")
	return nil
}

// runWorkerLoop reserves and dispatches tasks until ctx is canceled or a
// broadcast shutdown message arrives on the control queue. "solo" pool
// type runs one task at a time; "threads" runs up to ConcurrentTasks
// dispatches concurrently.
func runWorkerLoop(ctx context.Context, cfg config.Config, b *broker.Broker, exec *executor.Executor, sup *supervisor.Supervisor, workerID string) {
	log := logging.WithComponent("worker")

	concurrency := cfg.ConcurrentTasks
	if cfg.PoolType == "solo" || concurrency < 1 {
		concurrency = 1
	}
	slots := make(chan struct{}, concurrency)

	queues := append([]string{}, cfg.Queues...)
	if len(queues) == 0 {
		queues = []string{types.QueueCPU}
	}
	queues = append(queues, types.QueueControl)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := reserveAny(ctx, b, queues, workerID, reserveTimeout)
		if err != nil {
			log.Error().Err(err).Msg("reserve failed")
			continue
		}
		if res == nil {
			continue
		}

		if res.Message.Queue == types.QueueControl {
			_ = res.AckEarly(ctx, b)
			if res.Message.Entrypoint == "shutdown" {
				log.Info().Msg("broadcast shutdown observed")
				return
			}
			continue
		}

		earlyAck := broker.IsEarlyAck(res.Message.Queue)
		if earlyAck {
			if err := res.AckEarly(ctx, b); err != nil {
				log.Error().Err(err).Msg("failed to ack task")
			}
		}

		slots <- struct{}{}
		wg.Add(1)
		go func(res *broker.Reservation) {
			defer wg.Done()
			defer func() { <-slots }()

			_ = sup.PreRun(res.Message)
			if err := exec.Dispatch(ctx, res.Message); err != nil {
				log.Error().Err(err).Str("task_id", res.Message.TaskID).Msg("task dispatch failed")
			}
			sup.PostRun(ctx)

			if !earlyAck {
				if err := res.AckLate(ctx, b); err != nil {
					log.Error().Err(err).Msg("failed to ack task")
				}
			}
		}(res)
	}
}

// reserveAny tries each queue in turn with a short timeout, returning the
// first reservation found.
func reserveAny(ctx context.Context, b *broker.Broker, queues []string, workerID string, timeout time.Duration) (*broker.Reservation, error) {
	for _, q := range queues {
		res, err := b.Reserve(ctx, q, workerID, timeout)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		default:
		}
	}
	return nil, nil
}
