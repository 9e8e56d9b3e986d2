package embedder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ScriptEnvVar overrides the location of the Python helper script for
// installs that do not ship it next to the binary.
const ScriptEnvVar = "IMAGEBIND_WORKER_SCRIPT"

// workerScriptPath resolves the helper script relative to the running
// binary, not the working directory, so the orchestrator can be started
// from anywhere.
func workerScriptPath() string {
	if p := os.Getenv(ScriptEnvVar); p != "" {
		return p
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), "scripts", "imagebind_worker.py")
	}
	return filepath.Join("scripts", "imagebind_worker.py")
}

// PythonRuntime drives the ImageBind model through a persistent Python
// helper process speaking line-delimited JSON on stdin/stdout. Load
// starts the helper (which pulls the weights into device memory and
// answers with a ready line); Close kills it, freeing the memory. The
// manager's lock already serializes callers, but the runtime keeps its
// own mutex so it is safe standalone.
type PythonRuntime struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

type runtimeRequest struct {
	Op    string   `json:"op"`
	Paths []string `json:"paths,omitempty"`
	Query string   `json:"query,omitempty"`
}

type runtimeResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result string `json:"result,omitempty"` // base64 float32 payload
	Shape  []int  `json:"shape,omitempty"`
	Device string `json:"device,omitempty"`
}

func NewPythonRuntime() Runtime {
	return &PythonRuntime{}
}

func (r *PythonRuntime) Load(modelPath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := exec.Command("python", workerScriptPath(), "--model", modelPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("runtime stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("runtime stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start model runtime: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.stdout = bufio.NewScanner(stdout)
	r.stdout.Buffer(make([]byte, 0, 1<<20), 64<<20) // encode results can be large

	// The helper emits one ready line once the weights are on device.
	ready, err := r.readResponse()
	if err != nil {
		r.closeLocked()
		return "", fmt.Errorf("model runtime did not become ready: %w", err)
	}
	return ready.Device, nil
}

func (r *PythonRuntime) EncodeVideo(clipPaths []string) ([][]float32, error) {
	resp, err := r.roundTrip(runtimeRequest{Op: "encode_video", Paths: clipPaths})
	if err != nil {
		return nil, err
	}
	return DecodeMatrix(resp.Result, resp.Shape)
}

func (r *PythonRuntime) EncodeText(query string) ([]float32, error) {
	resp, err := r.roundTrip(runtimeRequest{Op: "encode_text", Query: query})
	if err != nil {
		return nil, err
	}
	return DecodeVector(resp.Result, resp.Shape)
}

func (r *PythonRuntime) roundTrip(req runtimeRequest) (*runtimeResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil {
		return nil, fmt.Errorf("model runtime not started")
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')
	if _, err := r.stdin.Write(line); err != nil {
		return nil, fmt.Errorf("write to model runtime: %w", err)
	}
	return r.readResponse()
}

func (r *PythonRuntime) readResponse() (*runtimeResponse, error) {
	if !r.stdout.Scan() {
		if err := r.stdout.Err(); err != nil {
			return nil, fmt.Errorf("read from model runtime: %w", err)
		}
		return nil, fmt.Errorf("model runtime closed its output")
	}
	var resp runtimeResponse
	if err := json.Unmarshal(r.stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse runtime response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("model runtime error: %s", resp.Error)
	}
	return &resp, nil
}

func (r *PythonRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *PythonRuntime) closeLocked() error {
	if r.cmd == nil {
		return nil
	}
	r.stdin.Close()
	err := r.cmd.Process.Kill()
	r.cmd.Wait()
	r.cmd = nil
	return err
}
