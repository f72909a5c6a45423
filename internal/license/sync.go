package license

import (
	"context"
	"fmt"
	"strings"

	"giro/internal/cloud"
	"giro/internal/giro"
)

// authorize checks that key names a live license bound to fingerprint and
// returns it with the bound hardware record.
func (s *Service) authorize(ctx context.Context, tx Repository, key, fingerprint string) (*License, *Hardware, error) {
	key = normalizeKey(key)
	fingerprint = strings.TrimSpace(fingerprint)
	if key == "" || fingerprint == "" {
		return nil, nil, errorf(KindValidation, "license key and hardware id are required")
	}
	l, err := tx.LicenseByKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if l == nil {
		return nil, nil, errNotFound
	}
	now := s.clock.Now()
	s.expireView(l)
	switch l.Status {
	case StatusActive:
	case StatusExpired:
		return nil, nil, errorf(KindLicenseExpired, "license expired")
	case StatusPending:
		return nil, nil, errorf(KindNotActivated, "license is not activated")
	default:
		return nil, nil, errorf(KindLicense, "license is %s", l.Status)
	}
	if l.HardwareID == "" {
		return nil, nil, errorf(KindNotActivated, "license is not activated")
	}
	hw, err := tx.HardwareByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, nil, err
	}
	if hw == nil || !l.Usable(hw.ID, now) {
		return nil, nil, errorf(KindHardwareMismatch, "hardware does not match the activated machine")
	}
	return l, hw, nil
}

// Push stores a batch of local mutations. Each accepted item gets the next
// version of the license; an item whose base version is behind the stored
// one is reported as a conflict and left untouched.
func (s *Service) Push(ctx context.Context, req cloud.PushRequest) (*cloud.PushResponse, error) {
	if len(req.Items) > cloud.MaxBatch {
		return nil, errorf(KindValidation, "push carries %d items, the limit is %d", len(req.Items), cloud.MaxBatch)
	}
	out := &cloud.PushResponse{Results: make([]cloud.ItemResult, 0, len(req.Items))}
	err := s.repo.Transact(ctx, func(tx Repository) error {
		l, hw, err := s.authorize(ctx, tx, req.LicenseKey, req.HardwareID)
		if err != nil {
			return err
		}
		if err := tx.LockLicense(ctx, l.ID); err != nil {
			return err
		}
		now := s.clock.Now()
		for _, item := range req.Items {
			res := cloud.ItemResult{EntityType: item.EntityType, EntityID: item.EntityID}
			t, op, verr := checkItem(item)
			if verr != nil {
				res.Status = cloud.ItemError
				res.Message = verr.Error()
				out.Results = append(out.Results, res)
				continue
			}
			existing, err := tx.SyncRecord(ctx, l.ID, string(t), item.EntityID)
			if err != nil {
				return err
			}
			if existing != nil && existing.Version > item.LocalVersion {
				res.Status = cloud.ItemConflict
				res.ServerVersion = existing.Version
				res.Message = fmt.Sprintf("server holds version %d", existing.Version)
				out.Results = append(out.Results, res)
				continue
			}
			v, err := tx.NextVersion(ctx, l.ID)
			if err != nil {
				return err
			}
			rec := SyncRecord{
				LicenseID:  l.ID,
				EntityType: string(t),
				EntityID:   item.EntityID,
				Operation:  string(op),
				Version:    v,
				UpdatedAt:  now,
				Origin:     hw.ID,
			}
			if op != giro.OpDelete {
				rec.Data = item.Data
			}
			if err := tx.PutSyncRecord(ctx, rec); err != nil {
				return err
			}
			res.Status = cloud.ItemOK
			res.ServerVersion = v
			out.Results = append(out.Results, res)
			out.Processed++
		}
		out.ServerTime = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Success = out.Processed == len(req.Items)
	s.logger.Debug("sync push handled", "items", len(req.Items), "processed", out.Processed)
	return out, nil
}

func checkItem(item cloud.SyncItem) (giro.EntityType, giro.SyncOperation, error) {
	t, err := giro.ParseEntityType(item.EntityType)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(item.EntityID) == "" {
		return "", "", fmt.Errorf("entity_id is required")
	}
	op, err := giro.ParseSyncOperation(item.Operation)
	if err != nil {
		return "", "", err
	}
	if op != giro.OpDelete && len(item.Data) == 0 {
		return "", "", fmt.Errorf("data is required for %s", item.Operation)
	}
	return t, op, nil
}

func normalizeTypes(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, s := range in {
		t, err := giro.ParseEntityType(s)
		if err != nil {
			return nil, errorf(KindValidation, "%v", err)
		}
		out = append(out, string(t))
	}
	return out, nil
}

// Pull returns records newer than the caller's version, oldest first, and
// advances the hardware's stored cursor to the last one returned.
func (s *Service) Pull(ctx context.Context, req cloud.PullRequest) (*cloud.PullResponse, error) {
	limit := req.Max
	if limit <= 0 || limit > cloud.MaxBatch {
		limit = cloud.MaxBatch
	}
	types, err := normalizeTypes(req.EntityTypes)
	if err != nil {
		return nil, err
	}
	out := &cloud.PullResponse{Items: []cloud.PullItem{}}
	err = s.repo.Transact(ctx, func(tx Repository) error {
		l, hw, err := s.authorize(ctx, tx, req.LicenseKey, req.HardwareID)
		if err != nil {
			return err
		}
		var since int64
		if req.Since != nil {
			since = *req.Since
		} else {
			cur, err := tx.Cursor(ctx, l.ID, hw.ID)
			if err != nil {
				return err
			}
			if cur != nil {
				since = cur.Version
			}
		}
		recs, err := tx.ListSyncRecords(ctx, l.ID, types, since, limit+1)
		if err != nil {
			return err
		}
		if len(recs) > limit {
			out.HasMore = true
			recs = recs[:limit]
		}
		last := since
		for _, r := range recs {
			out.Items = append(out.Items, cloud.PullItem{
				EntityType: r.EntityType,
				EntityID:   r.EntityID,
				Operation:  r.Operation,
				Data:       r.Data,
				Version:    r.Version,
				UpdatedAt:  r.UpdatedAt,
			})
			last = r.Version
		}
		now := s.clock.Now()
		out.ServerTime = now
		return tx.PutCursor(ctx, SyncCursor{LicenseID: l.ID, HardwareID: hw.ID, Version: last, SyncedAt: now})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SyncStatus summarizes the sync log of a license from one hardware's view.
func (s *Service) SyncStatus(ctx context.Context, req cloud.StatusRequest) (*cloud.StatusResponse, error) {
	out := &cloud.StatusResponse{}
	err := s.repo.Transact(ctx, func(tx Repository) error {
		l, hw, err := s.authorize(ctx, tx, req.LicenseKey, req.HardwareID)
		if err != nil {
			return err
		}
		counts, err := tx.CountSyncRecords(ctx, l.ID)
		if err != nil {
			return err
		}
		out.EntityCounts = counts
		var since int64
		cur, err := tx.Cursor(ctx, l.ID, hw.ID)
		if err != nil {
			return err
		}
		if cur != nil {
			since = cur.Version
			synced := cur.SyncedAt
			out.LastSync = &synced
		}
		out.PendingChanges, err = tx.CountSyncRecordsSince(ctx, l.ID, since)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.EntityCounts == nil {
		out.EntityCounts = []cloud.EntityCount{}
	}
	return out, nil
}
