package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// DiscoveryName is the discovery file written into the storage root so that
// companion tooling can locate a running instance.
const DiscoveryName = "server.json"

// Discovery describes a running server instance.
type Discovery struct {
	URL   string `json:"url"`
	WSURL string `json:"wsUrl"`
	PID   int    `json:"pid"`
}

func writeDiscovery(root string, d Discovery) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode discovery file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, DiscoveryName), append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write discovery file: %w", err)
	}
	return nil
}

func removeDiscovery(root string) error {
	if err := os.Remove(filepath.Join(root, DiscoveryName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove discovery file: %w", err)
	}
	return nil
}

// ReadDiscovery loads the discovery file and verifies the recorded pid is
// still alive; a stale file from a crashed process is not trusted.
func ReadDiscovery(root string) (Discovery, error) {
	raw, err := os.ReadFile(filepath.Join(root, DiscoveryName))
	if err != nil {
		return Discovery{}, fmt.Errorf("failed to read discovery file: %w", err)
	}
	var d Discovery
	if err := json.Unmarshal(raw, &d); err != nil {
		return Discovery{}, fmt.Errorf("failed to decode discovery file: %w", err)
	}
	if !pidAlive(d.PID) {
		return Discovery{}, fmt.Errorf("discovery file is stale: pid %d is not running", d.PID)
	}
	return d, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
