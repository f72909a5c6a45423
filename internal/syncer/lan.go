package syncer

import (
	"context"
	"errors"
	"fmt"

	"giro/internal/protocol"
)

func (s *Syncer) syncLAN(ctx context.Context) LANResult {
	start := s.clock.Now()
	s.emit(Event{Kind: EventSyncStarted, Source: SourceLAN})

	var res LANResult
	switch mode := s.mode(); {
	case mode.IsSatellite():
		s.drainToMaster(ctx, &res)
	case mode.ServesPeers():
		// Satellites push to us; nothing to drive from this side.
		if s.peers != nil {
			res.OnlinePeers = s.peers.OnlinePeerCount()
		}
	}
	res.Duration = s.clock.Now().Sub(start)

	s.mu.Lock()
	s.stats.LastLANSync = s.clock.Now()
	s.mu.Unlock()

	if len(res.Errors) > 0 {
		s.emit(Event{Kind: EventSyncFailed, Source: SourceLAN, Error: res.Errors[0], LAN: &res})
	} else {
		s.emit(Event{Kind: EventSyncCompleted, Source: SourceLAN, LAN: &res})
	}
	return res
}

// drainToMaster forwards the pending queue over the live channel, oldest
// first. A transport failure stops the drain; the rest waits for the next tick.
func (s *Syncer) drainToMaster(ctx context.Context, res *LANResult) {
	if s.lan == nil {
		res.Errors = append(res.Errors, "no master connection configured")
		return
	}
	items, err := s.store.ListPending(ctx, s.cfg.EntityTypes, 0)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("listing pending: %v", err))
		return
	}

	for i, it := range items {
		if err := validatePending(it); err != nil {
			s.deadLetter(ctx, it, err.Error())
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", it.Type, it.ID, err))
			continue
		}

		opCtx, cancel := s.withTimeout(ctx)
		err := s.lan.PushUpdate(opCtx, it.Type, it.Operation, it.Data)
		cancel()

		var perr *protocol.Error
		switch {
		case err == nil:
			if err := s.store.AckPending(ctx, it.Type, it.ID, it.Seq); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("acking %s %s: %v", it.Type, it.ID, err))
				continue
			}
			res.Pushed++
		case errors.As(err, &perr) && perr.Permanent():
			s.deadLetter(ctx, it, fmt.Sprintf("rejected by master: %s", perr.Message))
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", it.Type, it.ID, perr))
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("push %s %s: %v", it.Type, it.ID, err))
			s.logger.Warn("lan push failed", "entity", it.Type, "id", it.ID, "error", err)
			return
		}
		s.emit(Event{Kind: EventProgress, Source: SourceLAN, Current: i + 1, Total: len(items)})
	}
}
