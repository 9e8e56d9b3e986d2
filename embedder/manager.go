package embedder

import (
	"errors"
	"fmt"
	"log"
	"time"
)

var (
	// ErrNotConfigured: EnsureLoaded before Configure recorded a model path.
	ErrNotConfigured = errors.New("embedder not configured with a model path")
	// ErrNotLoaded: an encode call arrived while the model is not in memory.
	ErrNotLoaded = errors.New("embedder model not loaded")
)

// Runtime is the black-box model behind the manager: load it, run the
// two encode operations, tear it down. One Runtime instance corresponds
// to one loaded model occupying device memory.
type Runtime interface {
	Load(modelPath string) (device string, err error)
	EncodeVideo(clipPaths []string) ([][]float32, error)
	EncodeText(query string) ([]float32, error)
	Close() error
}

// Status is the consistent snapshot reported by the manager and relayed
// by the service endpoint.
type Status struct {
	Initialized bool   `json:"initialized"`
	Loaded      bool   `json:"loaded"`
	UsageCount  int    `json:"total_usage_count"`
	Device      string `json:"device,omitempty"`
	ModelPath   string `json:"model_path,omitempty"`
}

// Manager guards the single heavyweight embedding model instance of this
// host process. Only one process in the deployment may hold the loaded
// model; everyone else reaches it through the HTTP endpoints in
// server/embedder_handlers.go and the Client in this package.
//
// All state mutation — configure, load, release, and the encode calls,
// which bump the usage counter — serializes through one mutex held for
// the duration of the call, inference included. The model is not safe
// under concurrent invocation, so calls queue rather than run in
// parallel. Nothing here persists: after a restart the host is back to
// uninitialized and must be configured and loaded again.
type Manager struct {
	lock       chan struct{} // capacity-1 semaphore used as the single writer lock
	newRuntime func() Runtime

	rt          Runtime
	initialized bool
	loaded      bool
	usageCount  int
	modelPath   string
	device      string
	loadedAt    time.Time
}

func NewManager(newRuntime func() Runtime) *Manager {
	m := &Manager{
		lock:       make(chan struct{}, 1),
		newRuntime: newRuntime,
	}
	return m
}

func (m *Manager) acquire() { m.lock <- struct{}{} }
func (m *Manager) release() { <-m.lock }

// Configure records the model artifact location without loading weights.
// Returns immediately; loading happens in EnsureLoaded.
func (m *Manager) Configure(modelPath string) {
	m.acquire()
	defer m.release()
	m.modelPath = modelPath
	m.initialized = true
	log.Printf("embedder configured with model path: %s", modelPath)
}

// EnsureLoaded loads the model into device memory exactly once.
// Subsequent calls while loaded are no-ops returning success.
func (m *Manager) EnsureLoaded() error {
	m.acquire()
	defer m.release()

	if m.loaded {
		log.Printf("embedder already loaded")
		return nil
	}
	if !m.initialized || m.modelPath == "" {
		return ErrNotConfigured
	}

	log.Printf("loading embedding model from %s", m.modelPath)
	rt := m.newRuntime()
	device, err := rt.Load(m.modelPath)
	if err != nil {
		rt.Close()
		return fmt.Errorf("load embedding model: %w", err)
	}
	m.rt = rt
	m.device = device
	m.loaded = true
	m.loadedAt = time.Now()
	log.Printf("embedding model loaded on %s", device)
	return nil
}

// Release frees device memory and returns the manager to the configured
// state. Releasing an unloaded manager is a no-op.
func (m *Manager) Release() error {
	m.acquire()
	defer m.release()
	return m.releaseLocked()
}

func (m *Manager) releaseLocked() error {
	if !m.loaded {
		log.Printf("embedder not loaded, nothing to release")
		return nil
	}
	err := m.rt.Close()
	m.rt = nil
	m.loaded = false
	m.device = ""
	if err != nil {
		return fmt.Errorf("release embedding model: %w", err)
	}
	log.Printf("embedding model released")
	return nil
}

// EncodeVideoBatch runs the model over a batch of segment clip files.
// Requires loaded state; the forward pass happens under the manager's
// lock, so concurrent callers serialize.
func (m *Manager) EncodeVideoBatch(clipPaths []string) ([][]float32, error) {
	m.acquire()
	defer m.release()
	if !m.loaded {
		return nil, ErrNotLoaded
	}
	m.usageCount++
	vecs, err := m.rt.EncodeVideo(clipPaths)
	if err != nil {
		return nil, fmt.Errorf("encode video batch: %w", err)
	}
	log.Printf("encoded %d video segments", len(clipPaths))
	return vecs, nil
}

// EncodeQuery embeds a query string into the shared feature space.
func (m *Manager) EncodeQuery(query string) ([]float32, error) {
	m.acquire()
	defer m.release()
	if !m.loaded {
		return nil, ErrNotLoaded
	}
	m.usageCount++
	vec, err := m.rt.EncodeText(query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return vec, nil
}

// Status reads a consistent snapshot under the same lock the mutating
// calls use.
func (m *Manager) Status() Status {
	m.acquire()
	defer m.release()
	return Status{
		Initialized: m.initialized,
		Loaded:      m.loaded,
		UsageCount:  m.usageCount,
		Device:      m.device,
		ModelPath:   m.modelPath,
	}
}

// Cleanup releases the model and drops the configuration. Called on
// orchestrator shutdown.
func (m *Manager) Cleanup() {
	m.acquire()
	defer m.release()
	if err := m.releaseLocked(); err != nil {
		log.Printf("embedder cleanup: %v", err)
	}
	m.initialized = false
	m.modelPath = ""
}
