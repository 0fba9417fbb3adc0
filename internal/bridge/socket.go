// Package bridge owns the editor task-runner process and the IPC session
// with it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// SocketEnv names the variable that tells the runner where to listen.
const SocketEnv = "ROO_CODE_IPC_SOCKET_PATH"

// ErrSocketTimeout is returned when the runner never creates its socket.
var ErrSocketTimeout = errors.New("runner socket did not appear")

// SocketPath returns a fresh socket path under dir.
func SocketPath(dir string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "roo-code-"+uuid.NewString()[:8]+".sock")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WaitForSocket blocks until path exists, checking every interval for at
// most timeout. Directory events wake the wait early; the interval poll
// stays as the safety net.
func WaitForSocket(ctx context.Context, path string, interval, timeout time.Duration) error {
	if exists(path) {
		return nil
	}

	var events <-chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if exists(path) {
				return nil
			}
			return fmt.Errorf("%w after %v: %s", ErrSocketTimeout, timeout, path)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == path && exists(path) {
				return nil
			}
		case <-ticker.C:
			if exists(path) {
				return nil
			}
		}
	}
}
