// Package config loads and validates the launch configuration (§6)
// and the per-participant CLI arguments used to start one node.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	ErrNoNodes          = errors.New("num_nodes must be positive")
	ErrPortCountMismatch = errors.New("ports must have exactly num_nodes entries")
	ErrBadDelta         = errors.New("delta must be positive")
	ErrBadStartTime     = errors.New("start_time must be an HH:MM value")
	ErrBadConfusion     = errors.New("confusion_start and confusion_duration must both be set, or neither")
)

// Launch is the network-wide launch configuration every participant
// loads at startup (§6 "Launch configuration").
type Launch struct {
	NumNodes          int    `json:"num_nodes"`
	TotalEpochs       uint64 `json:"total_epochs"`
	DeltaSeconds      int    `json:"delta"`
	StartTime         string `json:"start_time"`
	Ports             []int  `json:"ports"`
	ConfusionStart    uint64 `json:"confusion_start,omitempty"`
	ConfusionDuration uint64 `json:"confusion_duration,omitempty"`

	// Seed feeds the leader-selection PRF (§4.3 "leader(e) = H(seed ||
	// e) mod N"). It must be identical across every participant's
	// launch config, unlike the per-process --config path, which may
	// differ (absolute vs relative) between nodes launched from
	// different working directories. Defaults to a fixed constant when
	// omitted so a config file need not set it explicitly.
	Seed string `json:"seed,omitempty"`
}

// defaultSeed is used when a launch config omits "seed" — still
// network-wide and consistent across every participant, since it's a
// compile-time constant rather than anything derived per-process.
const defaultSeed = "streamlet-default-seed"

// LoadLaunch reads and validates a launch configuration file.
func LoadLaunch(path string) (*Launch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading launch config %s: %w", path, err)
	}
	var l Launch
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("parsing launch config %s: %w", path, err)
	}
	if l.Seed == "" {
		l.Seed = defaultSeed
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate enforces the launch config invariants.
func (l *Launch) Validate() error {
	if l.NumNodes <= 0 {
		return ErrNoNodes
	}
	if len(l.Ports) != l.NumNodes {
		return fmt.Errorf("%w: want %d, got %d", ErrPortCountMismatch, l.NumNodes, len(l.Ports))
	}
	if l.DeltaSeconds <= 0 {
		return ErrBadDelta
	}
	if _, err := l.ParseStartTime(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadStartTime, err)
	}
	if (l.ConfusionStart == 0) != (l.ConfusionDuration == 0) {
		return ErrBadConfusion
	}
	return nil
}

// Delta returns the launch delta as a time.Duration.
func (l *Launch) Delta() time.Duration {
	return time.Duration(l.DeltaSeconds) * time.Second
}

// ParseStartTime parses the "HH:MM" start_time field against today's
// date in local time.
func (l *Launch) ParseStartTime() (time.Time, error) {
	now := time.Now()
	t, err := time.ParseInLocation("15:04", l.StartTime, now.Location())
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), nil
}

// Participant is the per-process CLI argument bundle (§6
// "Per-participant CLI args").
type Participant struct {
	NodeID     string
	Port       int
	Rejoin     bool
	ConfigPath string
}
