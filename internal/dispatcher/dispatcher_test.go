package dispatcher

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu        sync.Mutex
	waiting   int64
	active    int64
	err       error
	closes    int
	reclaims  int
	reclaimed int
}

func (q *fakeQueue) WaitingCount(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting, q.err
}

func (q *fakeQueue) ActiveCount(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active, nil
}

func (q *fakeQueue) ReclaimStalled(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaims++
	return q.reclaimed, nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closes++
	return nil
}

type fakeProcess struct {
	exit chan error
}

func (p *fakeProcess) Pid() int    { return 4242 }
func (p *fakeProcess) Wait() error { return <-p.exit }

type fakeSpawner struct {
	mu       sync.Mutex
	commands []Command
	procs    []*fakeProcess
	err      error
}

func (s *fakeSpawner) Spawn(cmd Command) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProcess{exit: make(chan error, 1)}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) releaseAll(t *testing.T) {
	t.Cleanup(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, p := range s.procs {
			select {
			case p.exit <- nil:
			default:
			}
		}
	})
}

func newTestDispatcher(t *testing.T, q *fakeQueue, sp *fakeSpawner, maxWorkers int) *Dispatcher {
	t.Helper()
	sp.releaseAll(t)
	return New(Config{
		PollInterval:    time.Hour,
		ReclaimInterval: time.Hour,
		MaxWorkers:      maxWorkers,
		Spec:            SpawnSpec{Binary: "/usr/local/bin/roomote"},
	}, Deps{Queue: q, Spawner: sp})
}

func TestDispatcher_StartIsIdempotent(t *testing.T) {
	q := &fakeQueue{waiting: 3}
	sp := &fakeSpawner{}
	d := newTestDispatcher(t, q, sp, 5)
	ctx := context.Background()

	d.Start(ctx)
	sched := d.sched
	d.Start(ctx)

	require.True(t, d.Running())
	require.Same(t, sched, d.sched, "second Start must not create another timer")
	require.Len(t, d.sched.Entries(), 2)
	require.Equal(t, 1, sp.spawned(), "only the first Start runs the immediate check")

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	require.False(t, d.Running())
	require.Equal(t, 1, q.closes)
}

func TestDispatcher_StopWithoutStart(t *testing.T) {
	q := &fakeQueue{}
	d := newTestDispatcher(t, q, &fakeSpawner{}, 5)

	require.NoError(t, d.Stop())
	require.Zero(t, q.closes)
}

func TestDispatcher_StopLeavesWorkersRunning(t *testing.T) {
	q := &fakeQueue{waiting: 1}
	sp := &fakeSpawner{}
	d := newTestDispatcher(t, q, sp, 5)

	d.Start(context.Background())
	require.NoError(t, d.Stop())
	require.Equal(t, 1, d.Tracked())
}

func TestDispatcher_CheckAndSpawnRespectsCeiling(t *testing.T) {
	q := &fakeQueue{waiting: 10}
	sp := &fakeSpawner{}
	d := newTestDispatcher(t, q, sp, 2)
	ctx := context.Background()

	d.checkAndSpawn(ctx)
	require.Equal(t, 1, sp.spawned(), "one spawn per cycle")

	d.checkAndSpawn(ctx)
	d.checkAndSpawn(ctx)
	require.Equal(t, 2, sp.spawned())
	require.Equal(t, 2, d.Tracked())
}

func TestDispatcher_NothingWaiting(t *testing.T) {
	q := &fakeQueue{waiting: 0, active: 3}
	sp := &fakeSpawner{}
	d := newTestDispatcher(t, q, sp, 5)

	d.checkAndSpawn(context.Background())
	require.Zero(t, sp.spawned())
}

func TestDispatcher_QueueErrorSkipsCycle(t *testing.T) {
	q := &fakeQueue{waiting: 4, err: errors.New("connection refused")}
	sp := &fakeSpawner{}
	d := newTestDispatcher(t, q, sp, 5)

	d.checkAndSpawn(context.Background())
	require.Zero(t, sp.spawned())
}

func TestDispatcher_ExitFreesSlot(t *testing.T) {
	q := &fakeQueue{waiting: 10}
	sp := &fakeSpawner{}
	d := newTestDispatcher(t, q, sp, 1)
	ctx := context.Background()

	d.checkAndSpawn(ctx)
	d.checkAndSpawn(ctx)
	require.Equal(t, 1, sp.spawned())

	sp.procs[0].exit <- errors.New("exit status 1")
	require.Eventually(t, func() bool { return d.Tracked() == 0 }, time.Second, 5*time.Millisecond)

	d.checkAndSpawn(ctx)
	require.Equal(t, 2, sp.spawned())
}

func TestDispatcher_SpawnFailureIsNotFatal(t *testing.T) {
	q := &fakeQueue{waiting: 1}
	sp := &fakeSpawner{err: errors.New("exec: not found")}
	d := newTestDispatcher(t, q, sp, 5)
	ctx := context.Background()

	d.checkAndSpawn(ctx)
	require.Zero(t, d.Tracked())

	d.checkAndSpawn(ctx)
	require.Len(t, sp.commands, 2, "the next cycle tries again")
}

func TestDispatcher_WorkerIDsAreUnique(t *testing.T) {
	q := &fakeQueue{waiting: 10}
	sp := &fakeSpawner{}
	d := newTestDispatcher(t, q, sp, 3)
	ctx := context.Background()

	for range 3 {
		d.checkAndSpawn(ctx)
	}

	seen := map[string]bool{}
	for _, cmd := range sp.commands {
		require.Equal(t, "/usr/local/bin/roomote", cmd.Name)
		require.Equal(t, "worker", cmd.Args[0])
		id := cmd.Args[2]
		require.False(t, seen[id], "duplicate worker id %s", id)
		seen[id] = true
	}
}

func TestDispatcher_Reclaim(t *testing.T) {
	q := &fakeQueue{reclaimed: 2}
	d := newTestDispatcher(t, q, &fakeSpawner{}, 5)

	d.reclaim(context.Background())
	require.Equal(t, 1, q.reclaims)
}

func TestExecSpawner_ReportsExitStatus(t *testing.T) {
	proc, err := ExecSpawner{}.Spawn(Command{Name: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)
	require.Positive(t, proc.Pid())

	var exitErr *exec.ExitError
	require.ErrorAs(t, proc.Wait(), &exitErr)
	require.Equal(t, 3, exitErr.ExitCode())
}

func TestExecSpawner_MissingBinary(t *testing.T) {
	_, err := ExecSpawner{}.Spawn(Command{Name: "/nonexistent/roomote"})
	require.Error(t, err)
}
