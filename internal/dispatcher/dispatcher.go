// Package dispatcher keeps the job queue drained by spawning short-lived
// worker processes, never more than a fixed number at a time.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/roomote-orchestrator/internal/metrics"
)

// Queue is the part of the job queue the dispatcher watches.
type Queue interface {
	WaitingCount(ctx context.Context) (int64, error)
	ActiveCount(ctx context.Context) (int64, error)
	ReclaimStalled(ctx context.Context) (int, error)
	Close() error
}

// Config configures a Dispatcher.
type Config struct {
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	MaxWorkers      int
	Environment     Environment
	// Spec is the template for every spawned worker; WorkerID is filled in
	// per spawn.
	Spec SpawnSpec
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Queue   Queue
	Spawner ProcessSpawner
	Logger  *slog.Logger
}

// Dispatcher is the worker pool controller.
type Dispatcher struct {
	cfg     Config
	queue   Queue
	spawner ProcessSpawner
	log     *slog.Logger

	mu      sync.Mutex
	running bool
	sched   *cron.Cron
	cancel  context.CancelFunc
	workers map[string]Process

	// checkMu serialises check-and-spawn cycles.
	checkMu sync.Mutex
}

// New creates a Dispatcher. Zero config values get the defaults: poll every
// 5s, reclaim every 30s, at most 5 workers, bare environment.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 5
	}
	if cfg.Environment == "" {
		cfg.Environment = EnvBare
	}
	spawner := deps.Spawner
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   deps.Queue,
		spawner: spawner,
		log:     log.With("component", "dispatcher", "environment", cfg.Environment),
		workers: make(map[string]Process),
	}
}

// Start runs one check immediately and then polls on the configured
// interval. It also arms the stalled-job reclaim timer. Calling Start on a
// running dispatcher does nothing.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	sched.Schedule(cron.Every(d.cfg.PollInterval), cron.FuncJob(func() { d.checkAndSpawn(ctx) }))
	sched.Schedule(cron.Every(d.cfg.ReclaimInterval), cron.FuncJob(func() { d.reclaim(ctx) }))
	d.sched = sched
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.log.Info("dispatcher started",
		"poll_interval", d.cfg.PollInterval,
		"reclaim_interval", d.cfg.ReclaimInterval,
		"max_workers", d.cfg.MaxWorkers,
	)
	d.checkAndSpawn(ctx)
	sched.Start()
}

// Stop cancels the timers and closes the queue. Workers already running
// are left to finish. Calling Stop on a stopped dispatcher does nothing.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	sched, cancel := d.sched, d.cancel
	d.sched, d.cancel = nil, nil
	tracked := len(d.workers)
	d.mu.Unlock()

	cancel()
	<-sched.Stop().Done()

	d.log.Info("dispatcher stopped", "workers_in_flight", tracked)
	return d.queue.Close()
}

// Running reports whether the dispatcher is started.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Tracked returns the number of spawned workers that have not exited.
func (d *Dispatcher) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// checkAndSpawn spawns exactly one worker when jobs are waiting and the
// pool has room. Failures are logged; the next tick tries again.
func (d *Dispatcher) checkAndSpawn(ctx context.Context) {
	d.checkMu.Lock()
	defer d.checkMu.Unlock()

	waiting, err := d.queue.WaitingCount(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.log.Error("failed to read waiting count", "error", err)
		}
		return
	}
	active, err := d.queue.ActiveCount(ctx)
	if err != nil {
		d.log.Warn("failed to read active count", "error", err)
	}
	metrics.QueueWaiting.Set(float64(waiting))
	metrics.QueueActive.Set(float64(active))

	d.mu.Lock()
	defer d.mu.Unlock()

	tracked := len(d.workers)
	if waiting == 0 || tracked >= d.cfg.MaxWorkers {
		d.log.Debug("no spawn", "waiting", waiting, "active", active, "tracked", tracked)
		return
	}

	spec := d.cfg.Spec
	spec.WorkerID = uuid.NewString()
	cmd, err := BuildCommand(d.cfg.Environment, spec)
	if err != nil {
		metrics.WorkerSpawnFailuresTotal.Inc()
		d.log.Error("failed to build worker command", "error", err)
		return
	}

	proc, err := d.spawner.Spawn(cmd)
	if err != nil {
		metrics.WorkerSpawnFailuresTotal.Inc()
		d.log.Error("failed to spawn worker", "worker_id", spec.WorkerID, "command", cmd.Name, "error", err)
		return
	}

	d.workers[spec.WorkerID] = proc
	metrics.WorkersSpawnedTotal.Inc()
	metrics.WorkersTracked.Set(float64(len(d.workers)))
	d.log.Info("worker spawned",
		"worker_id", spec.WorkerID,
		"pid", proc.Pid(),
		"waiting", waiting,
		"tracked", len(d.workers),
	)

	go d.watch(spec.WorkerID, proc)
}

// watch removes the worker from the tracked set once it exits, whatever
// its exit status.
func (d *Dispatcher) watch(id string, proc Process) {
	err := proc.Wait()

	d.mu.Lock()
	delete(d.workers, id)
	remaining := len(d.workers)
	d.mu.Unlock()
	metrics.WorkersTracked.Set(float64(remaining))

	if err != nil {
		d.log.Warn("worker exited with error", "worker_id", id, "error", err, "tracked", remaining)
		return
	}
	d.log.Info("worker exited", "worker_id", id, "tracked", remaining)
}

func (d *Dispatcher) reclaim(ctx context.Context) {
	n, err := d.queue.ReclaimStalled(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.log.Error("failed to reclaim stalled jobs", "error", err)
		}
		return
	}
	if n > 0 {
		d.log.Info("requeued stalled jobs", "count", n)
	}
}
