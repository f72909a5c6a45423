package connmgr

import (
	"context"
	"fmt"
	"time"

	"giro/internal/discovery"
)

func (m *Manager) healthLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every known peer once and applies status edges. It is
// the only code path that moves peers between Online and Offline.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.RLock()
	targets := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		targets = append(targets, *p)
	}
	probeTimeout := m.cfg.ProbeTimeout
	m.mu.RUnlock()

	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		latency, err := m.prober.Probe(pctx, target.IP, target.Port)
		cancel()
		if ctx.Err() != nil {
			return
		}
		m.applyProbe(target.ID, latency, err)
	}
}

func (m *Manager) applyProbe(id string, latency time.Duration, probeErr error) {
	now := m.clock.Now()

	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok {
		// Removed while probing.
		m.mu.Unlock()
		return
	}
	old := p.Status
	if probeErr == nil {
		ms := latency.Milliseconds()
		p.LatencyMs = &ms
		p.LastSeen = now
		p.Status = StatusOnline
		if m.masterID == id && m.cfg.Mode.IsSatellite() {
			p.Status = StatusConnected
		}
	} else {
		p.LatencyMs = nil
		p.Status = StatusOffline
	}
	snap := *p
	m.mu.Unlock()

	wasUp := old == StatusOnline || old == StatusConnected
	isUp := snap.Status == StatusOnline || snap.Status == StatusConnected
	switch {
	case isUp && !wasUp:
		m.logger.Info("peer online", "peer", id, "latency_ms", *snap.LatencyMs)
		m.emit(Event{Kind: EventPeerOnline, Peer: &snap})
	case !isUp && old != StatusOffline:
		m.logger.Info("peer offline", "peer", id, "error", probeErr)
		m.emit(Event{Kind: EventPeerOffline, Peer: &snap})
	}
}

func (m *Manager) discoveryLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	m.Discover(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Discover(ctx)
		}
	}
}

// Discover runs one mDNS browse and registers new peers.
func (m *Manager) Discover(ctx context.Context) {
	m.mu.RLock()
	timeout := m.cfg.BrowseTimeout
	satellite := m.cfg.Mode.IsSatellite()
	m.mu.RUnlock()

	records, err := m.browser.Browse(ctx, timeout)
	if err != nil {
		if ctx.Err() == nil {
			m.recordError("discovery", fmt.Errorf("browse: %w", err))
		}
		return
	}
	for _, r := range records {
		m.register(r, satellite)
	}
}

func (m *Manager) register(r discovery.Record, satellite bool) {
	id := PeerID(r.IP, r.Port)

	m.mu.Lock()
	p, known := m.peers[id]
	if !known {
		p = &Peer{ID: id, IP: r.IP, Port: r.Port, Status: StatusDiscovered}
		m.peers[id] = p
	}
	p.Name = r.Instance
	p.Version = r.Version
	p.Store = r.Store
	p.IsMaster = r.IsMaster()
	if satellite && p.IsMaster && m.candidateID == "" {
		m.candidateID = id
	}
	snap := *p
	m.mu.Unlock()

	if !known {
		m.logger.Info("peer discovered", "peer", id, "name", r.Instance)
		m.emit(Event{Kind: EventPeerDiscovered, Peer: &snap})
	}
}
