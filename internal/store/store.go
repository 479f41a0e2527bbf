// Package store persists flows and their operation log as append-only
// JSONL files, plus an atomically replaced runtime-status snapshot for
// external inspection.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fiatbridge/internal/core"
)

const (
	flowsFile      = "flows.jsonl"
	operationsFile = "operations.jsonl"
	statusFile     = "status.json"
)

// RuntimeStatus mirrors the daemon's condition for dashboards and
// post-mortems; it is replaced wholesale on every update.
type RuntimeStatus struct {
	Environment       string     `json:"environment"`
	InstanceID        string     `json:"instance_id"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	SessionState      string     `json:"session_state,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	ArmedAuto         bool       `json:"armed_auto"`
	LastError         string     `json:"last_error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
}

type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// SaveFlow appends the flow's current state, operations embedded. Every
// status transition produces a new record; the log is never rewritten.
func (s *Store) SaveFlow(flow *core.Flow) error {
	if flow == nil || flow.ID == "" {
		return errors.New("flow with id required")
	}
	return s.appendJSONL(flowsFile, flow)
}

// AppendOperation writes one operation/event record for audit display.
func (s *Store) AppendOperation(op core.FlowOperation) error {
	if op.ID == "" {
		return errors.New("operation id required")
	}
	return s.appendJSONL(operationsFile, op)
}

func (s *Store) appendJSONL(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.root, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// Flows replays the journal and returns the latest state of every flow
// in first-seen order.
func (s *Store) Flows() ([]core.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(filepath.Join(s.root, flowsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	latest := make(map[string]core.Flow)
	var order []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var flow core.Flow
		if err := json.Unmarshal(scanner.Bytes(), &flow); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", flowsFile, line, err)
		}
		if _, seen := latest[flow.ID]; !seen {
			order = append(order, flow.ID)
		}
		latest[flow.ID] = flow
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flows := make([]core.Flow, 0, len(order))
	for _, id := range order {
		flows = append(flows, latest[id])
	}
	return flows, nil
}

// SaveStatus atomically replaces the runtime-status snapshot.
func (s *Store) SaveStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	status.PID = os.Getpid()
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.root, statusFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) LoadStatus() (RuntimeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.root, statusFile))
	if err != nil {
		return RuntimeStatus{}, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, err
	}
	return status, nil
}
