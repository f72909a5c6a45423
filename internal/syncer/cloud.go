package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"giro/internal/cloud"
	"giro/internal/giro"
)

type itemKey struct {
	t  giro.EntityType
	id string
}

func (s *Syncer) syncCloud(ctx context.Context) CloudResult {
	start := s.clock.Now()
	s.emit(Event{Kind: EventSyncStarted, Source: SourceCloud})

	var res CloudResult
	// Satellites reach the cloud through their Master's queue.
	if !s.mode().IsSatellite() {
		s.push(ctx, &res)
	}
	s.pull(ctx, &res)
	res.Duration = s.clock.Now().Sub(start)

	s.mu.Lock()
	s.stats.LastCloudSync = s.clock.Now()
	s.stats.TotalConflicts += int64(res.Conflicts)
	s.mu.Unlock()

	if len(res.Errors) > 0 {
		s.logger.Warn("cloud sync finished with errors",
			"pushed", res.Pushed, "pulled", res.Pulled, "conflicts", res.Conflicts, "errors", len(res.Errors))
		s.emit(Event{Kind: EventSyncFailed, Source: SourceCloud, Error: res.Errors[0], Cloud: &res})
	} else {
		s.logger.Info("cloud sync completed",
			"pushed", res.Pushed, "pulled", res.Pulled, "conflicts", res.Conflicts, "duration", res.Duration)
		s.emit(Event{Kind: EventSyncCompleted, Source: SourceCloud, Cloud: &res})
	}
	return res
}

func (s *Syncer) push(ctx context.Context, res *CloudResult) {
	pending, err := s.store.ListPending(ctx, s.cfg.EntityTypes, 0)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("listing pending: %v", err))
		return
	}

	items := pending[:0]
	for _, it := range pending {
		if err := validatePending(it); err != nil {
			s.deadLetter(ctx, it, err.Error())
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", it.Type, it.ID, err))
			continue
		}
		items = append(items, it)
	}

	total := len(items)
	for n, chunk := range chunks(items, cloud.MaxBatch) {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err().Error())
			return
		}
		s.pushChunk(ctx, n+1, chunk, res)
		done := min((n+1)*cloud.MaxBatch, total)
		s.emit(Event{Kind: EventProgress, Source: SourceCloud, Current: done, Total: total})
	}
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

func validatePending(it giro.PendingItem) error {
	if !it.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", it.Type)
	}
	if it.Type == giro.EntitySetting && !giro.IsReplicatedSetting(it.ID) {
		return fmt.Errorf("setting %q is node-local", it.ID)
	}
	switch it.Operation {
	case giro.OpDelete:
		return nil
	case giro.OpUpsert:
		e, err := giro.EntityFromData(it.Type, it.Data)
		if err != nil {
			return err
		}
		if e.ID != it.ID {
			return fmt.Errorf("%w: snapshot id %q does not match %q", giro.ErrInvalidEntity, e.ID, it.ID)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation %q", it.Operation)
	}
}

func (s *Syncer) pushChunk(ctx context.Context, n int, chunk []giro.PendingItem, res *CloudResult) {
	req := make([]cloud.SyncItem, 0, len(chunk))
	for _, it := range chunk {
		req = append(req, cloud.SyncItem{
			EntityType:   string(it.Type),
			EntityID:     it.ID,
			Operation:    string(it.Operation),
			Data:         it.Data,
			LocalVersion: it.BaseVersion,
		})
	}

	opCtx, cancel := s.withTimeout(ctx)
	resp, err := s.cloud.Push(opCtx, req)
	cancel()
	if err != nil {
		se, ok := cloud.AsStatusError(err)
		switch {
		case ok && se.Conflict():
			for _, it := range chunk {
				s.pushConflict(ctx, it, 0, res)
			}
		case ok && se.Unlicensed():
			res.Errors = append(res.Errors, fmt.Sprintf("push chunk %d refused: %v", n, se))
		case ok && se.Permanent():
			for _, it := range chunk {
				s.deadLetter(ctx, it, fmt.Sprintf("rejected by cloud: %v", se))
			}
			res.Errors = append(res.Errors, fmt.Sprintf("push chunk %d rejected: %v", n, se))
		default:
			// Left queued for the next tick.
			res.Errors = append(res.Errors, fmt.Sprintf("push chunk %d: %v", n, err))
		}
		s.logger.Warn("push chunk failed", "chunk", n, "items", len(chunk), "error", err)
		return
	}

	results := make(map[itemKey]cloud.ItemResult, len(resp.Results))
	for _, r := range resp.Results {
		results[itemKey{giro.EntityType(r.EntityType), r.EntityID}] = r
	}
	for _, it := range chunk {
		r, ok := results[itemKey{it.Type, it.ID}]
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: no result from cloud", it.Type, it.ID))
			continue
		}
		switch r.Status {
		case cloud.ItemOK:
			s.pushAccepted(ctx, it, r.ServerVersion, res)
		case cloud.ItemConflict:
			s.pushConflict(ctx, it, r.ServerVersion, res)
		default:
			s.pushFailed(ctx, it, r.Message, res)
		}
	}
}

func (s *Syncer) pushAccepted(ctx context.Context, it giro.PendingItem, serverVersion int64, res *CloudResult) {
	if err := s.store.AckPending(ctx, it.Type, it.ID, it.Seq); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("acking %s %s: %v", it.Type, it.ID, err))
		return
	}
	res.Pushed++

	// Record the version the cloud assigned, unless a newer local snapshot
	// was queued meanwhile.
	if serverVersion <= 0 || it.Operation == giro.OpDelete {
		return
	}
	if again, err := s.store.HasPending(ctx, it.Type, it.ID); err != nil || again {
		return
	}
	e, err := giro.EntityFromData(it.Type, it.Data)
	if err != nil {
		return
	}
	e.Version = serverVersion
	if _, err := s.store.ApplyEntity(ctx, e); err != nil {
		s.logger.Warn("recording server version failed", "entity", it.Type, "id", it.ID, "error", err)
	}
}

// pushConflict leaves the item queued and rewinds the cursor of its type so
// the pull that follows brings the competing cloud version for resolution.
func (s *Syncer) pushConflict(ctx context.Context, it giro.PendingItem, serverVersion int64, res *CloudResult) {
	res.Conflicts++
	s.emit(Event{Kind: EventConflictDetected, Source: SourceCloud, EntityType: string(it.Type), EntityID: it.ID})
	s.logger.Info("push conflict",
		"entity", it.Type, "id", it.ID, "local_version", it.BaseVersion, "server_version", serverVersion)

	cur, err := s.store.GetCursor(ctx, it.Type)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("reading cursor %s: %v", it.Type, err))
		return
	}
	if cur.LastSyncedVersion > it.BaseVersion {
		cur.LastSyncedVersion = it.BaseVersion
		cur.LastSyncedAt = s.clock.Now()
		if err := s.store.SetCursor(ctx, cur); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("rewinding cursor %s: %v", it.Type, err))
		}
	}
}

func (s *Syncer) pushFailed(ctx context.Context, it giro.PendingItem, msg string, res *CloudResult) {
	res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %s", it.Type, it.ID, msg))
	attempts, err := s.store.MarkAttempt(ctx, it.Type, it.ID)
	if err != nil {
		s.logger.Warn("recording push attempt failed", "entity", it.Type, "id", it.ID, "error", err)
		return
	}
	if !s.cfg.RetryOnFailure || attempts >= s.cfg.MaxRetries {
		s.deadLetter(ctx, it, fmt.Sprintf("cloud error after %d attempts: %s", attempts, msg))
	}
}

// deadLetter moves an item out of the queue for good.
func (s *Syncer) deadLetter(ctx context.Context, it giro.PendingItem, reason string) {
	err := s.store.AddDeadLetter(ctx, giro.DeadLetterItem{
		ID:        s.ids.New(),
		Type:      it.Type,
		EntityID:  it.ID,
		Operation: it.Operation,
		Data:      it.Data,
		Reason:    reason,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		s.logger.Error("dead-lettering failed", "entity", it.Type, "id", it.ID, "error", err)
		return
	}
	if err := s.store.AckPending(ctx, it.Type, it.ID, it.Seq); err != nil {
		s.logger.Error("removing dead-lettered item failed", "entity", it.Type, "id", it.ID, "error", err)
		return
	}
	s.logger.Warn("item dead-lettered", "entity", it.Type, "id", it.ID, "reason", reason)
}

func (s *Syncer) pull(ctx context.Context, res *CloudResult) {
	types := make([]string, len(s.cfg.EntityTypes))
	for i, t := range s.cfg.EntityTypes {
		types[i] = string(t)
	}

	since, err := s.minCursor(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}

	for {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err().Error())
			return
		}
		opCtx, cancel := s.withTimeout(ctx)
		from := since
		resp, err := s.cloud.Pull(opCtx, types, &from, cloud.MaxBatch)
		cancel()
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("pull: %v", err))
			return
		}

		pending, err := s.pendingIndex(ctx)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return
		}
		pageMax := since
		stalled := false
		for _, item := range resp.Items {
			if err := s.applyPulled(ctx, item, pending, res); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("applying %s %s: %v", item.EntityType, item.EntityID, err))
				s.logger.Warn("applying pulled item failed",
					"entity", item.EntityType, "id", item.EntityID, "version", item.Version, "error", err)
				if !malformed(err) {
					// The cursor stays below this version so the next pass
					// fetches it again.
					stalled = true
					break
				}
				pageMax = max(pageMax, item.Version)
				continue
			}
			res.Pulled++
			pageMax = max(pageMax, item.Version)
		}

		// Pages arrive in version order, so every requested type is complete
		// up to pageMax.
		if err := s.advanceCursors(ctx, pageMax); err != nil {
			res.Errors = append(res.Errors, err.Error())
			return
		}
		if stalled || !resp.HasMore || len(resp.Items) == 0 || pageMax == since {
			return
		}
		since = pageMax
	}
}

// errMalformedItem marks a pulled item that can never be applied.
var errMalformedItem = errors.New("malformed item")

// malformed reports whether err is about the item itself rather than the
// local store. Such items are skipped for good.
func malformed(err error) bool {
	return errors.Is(err, errMalformedItem) || errors.Is(err, giro.ErrInvalidEntity)
}

func (s *Syncer) minCursor(ctx context.Context) (int64, error) {
	var since int64 = -1
	for _, t := range s.cfg.EntityTypes {
		c, err := s.store.GetCursor(ctx, t)
		if err != nil {
			return 0, fmt.Errorf("reading cursor %s: %w", t, err)
		}
		if since < 0 || c.LastSyncedVersion < since {
			since = c.LastSyncedVersion
		}
	}
	return max(since, 0), nil
}

func (s *Syncer) advanceCursors(ctx context.Context, version int64) error {
	now := s.clock.Now()
	for _, t := range s.cfg.EntityTypes {
		c, err := s.store.GetCursor(ctx, t)
		if err != nil {
			return fmt.Errorf("reading cursor %s: %w", t, err)
		}
		if c.LastSyncedVersion >= version {
			continue
		}
		c.LastSyncedVersion = version
		c.LastSyncedAt = now
		if err := s.store.SetCursor(ctx, c); err != nil {
			return fmt.Errorf("advancing cursor %s: %w", t, err)
		}
	}
	return nil
}

func (s *Syncer) pendingIndex(ctx context.Context) (map[itemKey]giro.PendingItem, error) {
	items, err := s.store.ListPending(ctx, s.cfg.EntityTypes, 0)
	if err != nil {
		return nil, fmt.Errorf("listing pending: %w", err)
	}
	idx := make(map[itemKey]giro.PendingItem, len(items))
	for _, it := range items {
		idx[itemKey{it.Type, it.ID}] = it
	}
	return idx, nil
}

// applyPulled resolves one cloud change against local state and applies the
// winner. Re-applying an already applied version is a no-op.
func (s *Syncer) applyPulled(ctx context.Context, item cloud.PullItem, pending map[itemKey]giro.PendingItem, res *CloudResult) error {
	t, err := giro.ParseEntityType(item.EntityType)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformedItem, err)
	}
	if !slices.Contains(s.cfg.EntityTypes, t) {
		return nil
	}
	op, err := giro.ParseSyncOperation(item.Operation)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformedItem, err)
	}

	remote := giro.Entity{Type: t, ID: item.EntityID, Version: item.Version, UpdatedAt: item.UpdatedAt, Deleted: op == giro.OpDelete}
	if !remote.Deleted {
		remote.Data = stripCredentials(t, item.Data)
		parsed, err := giro.EntityFromData(t, remote.Data)
		if err != nil {
			return err
		}
		if remote.UpdatedAt.IsZero() {
			remote.UpdatedAt = parsed.UpdatedAt
		}
	}

	local, err := s.store.GetEntity(ctx, t, item.EntityID)
	if err != nil {
		return err
	}
	p, hasPending := pending[itemKey{t, item.EntityID}]

	known := int64(0)
	if local != nil {
		known = local.Version
	}
	if hasPending {
		known = max(known, p.BaseVersion)
	}
	if remote.Version > 0 && known >= remote.Version {
		// Already applied, or the queued change was made on top of it.
		return nil
	}

	if !s.localWins(local, p, hasPending, remote) {
		if _, err := s.store.ApplyEntity(ctx, remote); err != nil {
			return err
		}
		if hasPending {
			res.Conflicts++
			s.emit(Event{Kind: EventConflictDetected, Source: SourceCloud, EntityType: string(t), EntityID: item.EntityID})
			if err := s.store.AckPending(ctx, t, item.EntityID, p.Seq); err != nil {
				return err
			}
		}
		return nil
	}

	if s.cfg.Strategy == MarkForReview {
		return s.parkForReview(ctx, p, remote, item.Data, res)
	}

	// Local wins: requeue the local snapshot on top of the remote version so
	// the next push is accepted.
	snapshot := giro.PendingItem{Type: t, ID: item.EntityID, Operation: giro.OpUpsert, QueuedAt: s.clock.Now(), BaseVersion: remote.Version}
	if hasPending {
		snapshot.Operation = p.Operation
		snapshot.Data = p.Data
	} else {
		snapshot.Data = local.Data
	}
	if _, err := s.store.Enqueue(ctx, snapshot); err != nil {
		return err
	}
	res.Conflicts++
	s.emit(Event{Kind: EventConflictDetected, Source: SourceCloud, EntityType: string(t), EntityID: item.EntityID})
	return nil
}

// localWins decides a pulled change against the local row and any queued
// local mutation.
func (s *Syncer) localWins(local *giro.Entity, p giro.PendingItem, hasPending bool, remote giro.Entity) bool {
	switch s.cfg.Strategy {
	case CloudWins:
		return false
	case LocalWins:
		return hasPending
	case MarkForReview:
		if !hasPending {
			return false
		}
		return !sameSnapshot(p, remote)
	default:
		if local == nil {
			// Local row absent: either never seen or deleted by a queued mutation.
			return hasPending && p.Operation == giro.OpDelete && queuedAt(p).After(remote.UpdatedAt)
		}
		// Ties, and remote changes without a timestamp, go to the cloud.
		if remote.UpdatedAt.IsZero() {
			return false
		}
		return local.UpdatedAt.After(remote.UpdatedAt)
	}
}

func queuedAt(p giro.PendingItem) time.Time {
	if e, err := giro.EntityFromData(p.Type, p.Data); err == nil && !e.UpdatedAt.IsZero() {
		return e.UpdatedAt
	}
	return p.QueuedAt
}

func sameSnapshot(p giro.PendingItem, remote giro.Entity) bool {
	if p.Operation == giro.OpDelete || remote.Deleted {
		return (p.Operation == giro.OpDelete) == remote.Deleted
	}
	return jsonEqual(p.Data, remote.Data)
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	var va, vb any
	if json.Unmarshal(ca.Bytes(), &va) != nil || json.Unmarshal(cb.Bytes(), &vb) != nil {
		return bytes.Equal(ca.Bytes(), cb.Bytes())
	}
	ma, _ := json.Marshal(va)
	mb, _ := json.Marshal(vb)
	return bytes.Equal(ma, mb)
}

func (s *Syncer) parkForReview(ctx context.Context, p giro.PendingItem, remote giro.Entity, raw json.RawMessage, res *CloudResult) error {
	localData := p.Data
	if p.Operation == giro.OpDelete {
		localData = json.RawMessage("null")
	}
	remoteData := raw
	if remote.Deleted {
		remoteData = json.RawMessage("null")
	}
	err := s.store.AddReview(ctx, giro.ReviewItem{
		ID:            s.ids.New(),
		Type:          remote.Type,
		EntityID:      remote.ID,
		Local:         localData,
		Remote:        remoteData,
		RemoteVersion: remote.Version,
		Reason:        fmt.Sprintf("local change conflicts with cloud version %d", remote.Version),
		CreatedAt:     s.clock.Now(),
	})
	if err != nil {
		return err
	}
	if err := s.store.AckPending(ctx, p.Type, p.ID, p.Seq); err != nil {
		return err
	}
	res.Conflicts++
	s.emit(Event{Kind: EventConflictDetected, Source: SourceCloud, EntityType: string(remote.Type), EntityID: remote.ID})
	s.logger.Info("conflict parked for review", "entity", remote.Type, "id", remote.ID, "remote_version", remote.Version)
	return nil
}

// credentialFields never travel down from the cloud; local hashes are kept.
var credentialFields = []string{"pin_hash", "password_hash", "pin", "password"}

func stripCredentials(t giro.EntityType, data json.RawMessage) json.RawMessage {
	if t != giro.EntityEmployee {
		return data
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data
	}
	for _, f := range credentialFields {
		delete(fields, f)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return data
	}
	return out
}
