package giro

import (
	"fmt"
	"strings"
)

// OperationMode decides which subsystems a node runs.
type OperationMode string

const (
	// ModeStandalone is local only; it still accepts mobile scanners.
	ModeStandalone OperationMode = "standalone"
	// ModeMaster serves Satellites and mobiles.
	ModeMaster OperationMode = "master"
	// ModeSatellite connects outbound to exactly one Master.
	ModeSatellite OperationMode = "satellite"
	// ModeHybrid is a Master that also peers with other Masters.
	ModeHybrid OperationMode = "hybrid"
)

// ParseMode parses the persisted form of a mode (case-insensitive).
// An empty string yields ModeStandalone.
func ParseMode(s string) (OperationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standalone":
		return ModeStandalone, nil
	case "master":
		return ModeMaster, nil
	case "satellite":
		return ModeSatellite, nil
	case "hybrid":
		return ModeHybrid, nil
	default:
		return "", fmt.Errorf("unknown operation mode: %q", s)
	}
}

func (m OperationMode) String() string { return string(m) }

// ServesPeers reports whether the node accepts Satellite connections.
func (m OperationMode) ServesPeers() bool {
	return m == ModeMaster || m == ModeHybrid
}

// AcceptsMobiles reports whether the node runs the WebSocket endpoint at all.
func (m OperationMode) AcceptsMobiles() bool {
	return m != ModeSatellite
}

func (m OperationMode) IsSatellite() bool { return m == ModeSatellite }
