package core

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"
)

// ErrWorkerActive is returned when a start operation targets a session
// that already has a live tracked worker for the same operation kind.
// The caller decides whether to poll and retry; the manager never queues
// or supersedes.
var ErrWorkerActive = errors.New("a worker is already running for this session")

// TerminateGracePeriod is how long a worker gets to exit after SIGTERM
// before it is killed unconditionally.
const TerminateGracePeriod = 5 * time.Second

// ProcessHandle tracks one spawned worker. Handles live only in the
// orchestrator's memory: after an orchestrator restart the status
// document remains authoritative for progress while orphaned workers are
// recovered by the name-based table sweep in Cleanup.
type ProcessHandle struct {
	Key       string
	ChatID    string
	Kind      WorkerKind
	PID       int
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{} // closed by the reaper after Wait returns
}

func (h *ProcessHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ProcessManager spawns, tracks, and terminates per-session worker
// processes. Indexing workers are keyed by the chat id, query workers by
// "<chat>_query".
type ProcessManager struct {
	mu      sync.Mutex
	workers map[string]*ProcessHandle

	status    *StatusStore
	exe       string
	serverURL string
	configEnv func() string // serialized config for spawned workers
	extraEnv  []string
}

func NewProcessManager(status *StatusStore, configEnv func() string) (*ProcessManager, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve orchestrator binary: %w", err)
	}
	return &ProcessManager{
		workers:   make(map[string]*ProcessHandle),
		status:    status,
		exe:       exe,
		configEnv: configEnv,
	}, nil
}

// SetServerURL records the orchestrator's loopback address, which
// workers need to reach the shared model service.
func (pm *ProcessManager) SetServerURL(u string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.serverURL = u
}

// StartIndexing lays down the initial status record and spawns an
// indexing worker for the session. Fire-and-forget: completion is
// observed by polling the status store.
func (pm *ProcessManager) StartIndexing(chatID string, videoPaths []string) error {
	initial := map[string]any{
		ChannelIndexing: map[string]any{
			"status":           StatusProcessing,
			"message":          "Initializing AI Assistant...",
			"current_step":     "Initializing",
			"total_videos":     len(videoPaths),
			"processed_videos": 0,
		},
		"indexed_videos": pm.status.IndexedVideos(chatID),
		"created_at":     float64(time.Now().UnixNano()) / 1e9,
	}

	args := append([]string{"worker", "index", "--chat", chatID, "--server", pm.currentServerURL(), "--"}, videoPaths...)
	return pm.spawn(chatID, chatID, WorkerIndexing, WorkerNamePrefixIndex+chatID, args, func() error {
		return pm.status.WriteDocument(chatID, initial)
	})
}

// StartQuery spawns a query worker for the session. The query channel is
// independent of the indexing channel.
func (pm *ProcessManager) StartQuery(chatID, query string) error {
	key := chatID + "_query"
	args := []string{"worker", "query", "--chat", chatID, "--server", pm.currentServerURL(), "--query", query}
	return pm.spawn(key, chatID, WorkerQuery, WorkerNamePrefixQuery+chatID, args, func() error {
		return pm.status.Update(chatID, ChannelQuery, StatusPatch{
			"status":       StatusProcessing,
			"message":      "Starting query processing...",
			"current_step": "Initializing",
			"query":        query,
			"answer":       nil,
			"started_at":   float64(time.Now().UnixNano()) / 1e9,
		})
	})
}

func (pm *ProcessManager) currentServerURL() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.serverURL
}

// spawn starts the orchestrator binary in worker mode with argv[0]
// rewritten to the worker's greppable identity. The initial status write
// happens before the process exists so a poller immediately after the
// start call always finds a record.
func (pm *ProcessManager) spawn(key, chatID string, kind WorkerKind, procName string, args []string, writeInitial func() error) error {
	h := &ProcessHandle{
		Key:       key,
		ChatID:    chatID,
		Kind:      kind,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	// The liveness check and the reservation must happen in one critical
	// section, or two concurrent starts for the same key could both pass
	// the check and race each other's worker.
	pm.mu.Lock()
	if prev, ok := pm.workers[key]; ok && prev.Alive() {
		pm.mu.Unlock()
		return ErrWorkerActive
	}
	pm.workers[key] = h
	pm.mu.Unlock()

	release := func() {
		pm.mu.Lock()
		if pm.workers[key] == h {
			delete(pm.workers, key)
		}
		pm.mu.Unlock()
		close(h.done)
	}

	if err := writeInitial(); err != nil {
		release()
		return fmt.Errorf("write initial status: %w", err)
	}

	cmd := exec.Command(pm.exe, args...)
	cmd.Args[0] = procName
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), pm.extraEnv...)
	if pm.configEnv != nil {
		cmd.Env = append(cmd.Env, ConfigEnvVar+"="+pm.configEnv())
	}

	if err := cmd.Start(); err != nil {
		release()
		werr := pm.status.Update(chatID, channelFor(kind), StatusPatch{
			"status":       StatusError,
			"message":      fmt.Sprintf("Failed to start worker: %v", err),
			"current_step": "Error",
		})
		if werr != nil {
			log.Printf("process manager: status write after spawn failure: %v", werr)
		}
		return fmt.Errorf("spawn worker: %w", err)
	}

	pm.mu.Lock()
	h.cmd = cmd
	h.PID = cmd.Process.Pid
	pm.mu.Unlock()

	go func() {
		err := cmd.Wait()
		close(h.done)
		if err != nil {
			log.Printf("worker %s (pid %d) exited: %v", procName, cmd.Process.Pid, err)
		}
		pm.mu.Lock()
		if pm.workers[key] == h {
			delete(pm.workers, key)
		}
		pm.mu.Unlock()
	}()

	log.Printf("spawned worker %s (pid %d)", procName, cmd.Process.Pid)
	return nil
}

func channelFor(kind WorkerKind) string {
	if kind == WorkerQuery {
		return ChannelQuery
	}
	return ChannelIndexing
}

// Terminate ends the session's indexing worker: SIGTERM, a bounded
// grace period, then SIGKILL. The indexing channel is marked terminated
// afterwards regardless of how the process went down.
func (pm *ProcessManager) Terminate(chatID string) []string {
	var terminated []string

	pm.mu.Lock()
	h, ok := pm.workers[chatID]
	if ok {
		delete(pm.workers, chatID)
	}
	pm.mu.Unlock()

	if ok {
		pm.terminateHandle(h)
		terminated = append(terminated, chatID)
	}

	if err := pm.status.Update(chatID, ChannelIndexing, StatusPatch{
		"status":       StatusTerminated,
		"message":      "Process terminated by user",
		"current_step": "Terminated",
	}); err != nil {
		log.Printf("process manager: mark terminated for %s: %v", chatID, err)
	}
	return terminated
}

func (pm *ProcessManager) terminateHandle(h *ProcessHandle) {
	if !h.Alive() {
		return
	}
	pm.mu.Lock()
	cmd, pid := h.cmd, h.PID
	pm.mu.Unlock()
	if cmd == nil {
		// Reserved but not yet started; nothing to signal.
		return
	}
	log.Printf("terminating worker %s (pid %d)", h.Key, pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Printf("SIGTERM %d: %v", pid, err)
	}
	select {
	case <-h.done:
		return
	case <-time.After(TerminateGracePeriod):
	}
	log.Printf("force killing worker %s (pid %d)", h.Key, pid)
	if err := cmd.Process.Kill(); err != nil {
		log.Printf("SIGKILL %d: %v", pid, err)
	}
	<-h.done
}

// Alive reports whether the session currently has a live tracked worker
// of the given kind.
func (pm *ProcessManager) Alive(chatID string, kind WorkerKind) bool {
	key := chatID
	if kind == WorkerQuery {
		key = chatID + "_query"
	}
	pm.mu.Lock()
	h, ok := pm.workers[key]
	pm.mu.Unlock()
	return ok && h.Alive()
}

// Handles returns a snapshot of the tracked workers for status surfaces.
func (pm *ProcessManager) Handles() []ProcessHandle {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]ProcessHandle, 0, len(pm.workers))
	for _, h := range pm.workers {
		out = append(out, ProcessHandle{
			Key: h.Key, ChatID: h.ChatID, Kind: h.Kind,
			PID: h.PID, StartedAt: h.StartedAt,
			cmd: h.cmd, done: h.done,
		})
	}
	return out
}

// Cleanup terminates every tracked worker with the same graceful-then-
// forceful escalation, then sweeps the OS process table for processes
// carrying this system's worker naming convention that are not tracked —
// handles lost to an orchestrator restart. The sweep is best-effort and
// deliberately conservative: it matches only the exact name prefixes and
// never touches the orchestrator's own pid or a tracked pid.
func (pm *ProcessManager) Cleanup() {
	log.Printf("process manager: cleanup started")

	pm.mu.Lock()
	handles := make([]*ProcessHandle, 0, len(pm.workers))
	for _, h := range pm.workers {
		handles = append(handles, h)
	}
	pm.workers = make(map[string]*ProcessHandle)
	pm.mu.Unlock()

	for _, h := range handles {
		pm.terminateHandle(h)
	}

	tracked := make(map[int]bool, len(handles))
	for _, h := range handles {
		tracked[h.PID] = true
	}
	pm.sweepOrphans(tracked)
	log.Printf("process manager: cleanup completed")
}

func (pm *ProcessManager) sweepOrphans(tracked map[int]bool) {
	self := os.Getpid()
	procs, err := gops.Processes()
	if err != nil {
		log.Printf("process manager: table sweep unavailable: %v", err)
		return
	}
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self || tracked[pid] {
			continue
		}
		if !isWorkerProcess(p) {
			continue
		}
		log.Printf("force killing orphan worker pid %d", pid)
		if err := p.Kill(); err != nil {
			log.Printf("kill orphan %d: %v", pid, err)
		}
	}
}

func isWorkerProcess(p *gops.Process) bool {
	// argv[0] carries the worker identity; Name() may be truncated by
	// the kernel, so check the full cmdline as well.
	if name, err := p.Name(); err == nil && hasWorkerPrefix(name) {
		return true
	}
	if argv, err := p.CmdlineSlice(); err == nil && len(argv) > 0 && hasWorkerPrefix(argv[0]) {
		return true
	}
	return false
}

func hasWorkerPrefix(s string) bool {
	return strings.HasPrefix(s, WorkerNamePrefixIndex) || strings.HasPrefix(s, WorkerNamePrefixQuery)
}
