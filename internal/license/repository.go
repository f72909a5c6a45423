package license

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"giro/internal/cloud"
	"giro/internal/config"
)

// Repository persists licenses, hardware, the audit log and the sync log.
// Lookups return nil, nil when the row does not exist.
type Repository interface {
	// Transact runs fn against a repository bound to one transaction.
	Transact(ctx context.Context, fn func(tx Repository) error) error

	CreateLicense(ctx context.Context, l *License) error
	UpdateLicense(ctx context.Context, l *License) error
	LicenseByKey(ctx context.Context, key string) (*License, error)
	// LockLicense serializes writers of one license until the transaction ends.
	LockLicense(ctx context.Context, id string) error
	ListLicenses(ctx context.Context, adminID string) ([]License, error)
	LicensesByHardware(ctx context.Context, hardwareID string) ([]License, error)

	HardwareByID(ctx context.Context, id string) (*Hardware, error)
	HardwareByFingerprint(ctx context.Context, fingerprint string) (*Hardware, error)
	// SaveHardware inserts or updates by fingerprint.
	SaveHardware(ctx context.Context, h *Hardware) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	// ListAudit returns entries oldest first; an empty licenseID lists all.
	ListAudit(ctx context.Context, licenseID string) ([]AuditEntry, error)

	// NextVersion allocates the next sync version of a license.
	NextVersion(ctx context.Context, licenseID string) (int64, error)
	SyncRecord(ctx context.Context, licenseID, entityType, entityID string) (*SyncRecord, error)
	PutSyncRecord(ctx context.Context, r SyncRecord) error
	// ListSyncRecords returns records with Version > since, ordered by version,
	// at most limit of them. Empty types means every type.
	ListSyncRecords(ctx context.Context, licenseID string, types []string, since int64, limit int) ([]SyncRecord, error)
	// CountSyncRecords returns live record counts and the max version per type.
	CountSyncRecords(ctx context.Context, licenseID string) ([]cloud.EntityCount, error)
	CountSyncRecordsSince(ctx context.Context, licenseID string, since int64) (int64, error)
	Cursor(ctx context.Context, licenseID, hardwareID string) (*SyncCursor, error)
	PutCursor(ctx context.Context, c SyncCursor) error
}

// NewRepositoryFromConfig creates a Repository based on the configured database type.
func NewRepositoryFromConfig(ctx context.Context, cfg config.LicenseServerConfig) (Repository, error) {
	switch cfg.Database {
	case "memory":
		return NewMemoryRepository(), nil
	case "postgres", "":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres repository requires database_url (or DATABASE_URL)")
		}
		db, err := ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		repo := NewGormRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown license database type: %s", cfg.Database)
	}
}

type memData struct {
	licenses  map[string]*License // by id
	keys      map[string]string   // key -> id
	hardware  map[string]*Hardware
	prints    map[string]string // fingerprint -> id
	audit     []AuditEntry
	versions  map[string]int64
	records   map[string]SyncRecord
	cursors   map[string]SyncCursor
	createSeq int
	order     map[string]int
}

// clone copies the indexes. Stored rows are replaced on write, never
// mutated, so the pointers may be shared.
func (d *memData) clone() *memData {
	return &memData{
		licenses:  maps.Clone(d.licenses),
		keys:      maps.Clone(d.keys),
		hardware:  maps.Clone(d.hardware),
		prints:    maps.Clone(d.prints),
		audit:     slices.Clone(d.audit),
		versions:  maps.Clone(d.versions),
		records:   maps.Clone(d.records),
		cursors:   maps.Clone(d.cursors),
		createSeq: d.createSeq,
		order:     maps.Clone(d.order),
	}
}

// MemoryRepository keeps everything in process. One mutex covers every
// call. Transact works on a copy and swaps it in only when fn succeeds.
type MemoryRepository struct {
	mu sync.Mutex
	d  *memData
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{d: &memData{
		licenses: make(map[string]*License),
		keys:     make(map[string]string),
		hardware: make(map[string]*Hardware),
		prints:   make(map[string]string),
		versions: make(map[string]int64),
		records:  make(map[string]SyncRecord),
		cursors:  make(map[string]SyncCursor),
		order:    make(map[string]int),
	}}
}

func (r *MemoryRepository) Transact(ctx context.Context, fn func(tx Repository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.d.clone()
	if err := fn(memTx{work}); err != nil {
		return err
	}
	r.d = work
	return nil
}

func (r *MemoryRepository) locked(fn func(d memTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(memTx{r.d})
}

func (r *MemoryRepository) CreateLicense(ctx context.Context, l *License) error {
	return r.locked(func(d memTx) error { return d.CreateLicense(ctx, l) })
}

func (r *MemoryRepository) UpdateLicense(ctx context.Context, l *License) error {
	return r.locked(func(d memTx) error { return d.UpdateLicense(ctx, l) })
}

func (r *MemoryRepository) LicenseByKey(ctx context.Context, key string) (l *License, err error) {
	err = r.locked(func(d memTx) error { l, err = d.LicenseByKey(ctx, key); return err })
	return l, err
}

func (r *MemoryRepository) LockLicense(context.Context, string) error { return nil }

func (r *MemoryRepository) ListLicenses(ctx context.Context, adminID string) (out []License, err error) {
	err = r.locked(func(d memTx) error { out, err = d.ListLicenses(ctx, adminID); return err })
	return out, err
}

func (r *MemoryRepository) LicensesByHardware(ctx context.Context, hardwareID string) (out []License, err error) {
	err = r.locked(func(d memTx) error { out, err = d.LicensesByHardware(ctx, hardwareID); return err })
	return out, err
}

func (r *MemoryRepository) HardwareByID(ctx context.Context, id string) (h *Hardware, err error) {
	err = r.locked(func(d memTx) error { h, err = d.HardwareByID(ctx, id); return err })
	return h, err
}

func (r *MemoryRepository) HardwareByFingerprint(ctx context.Context, fp string) (h *Hardware, err error) {
	err = r.locked(func(d memTx) error { h, err = d.HardwareByFingerprint(ctx, fp); return err })
	return h, err
}

func (r *MemoryRepository) SaveHardware(ctx context.Context, h *Hardware) error {
	return r.locked(func(d memTx) error { return d.SaveHardware(ctx, h) })
}

func (r *MemoryRepository) AppendAudit(ctx context.Context, e AuditEntry) error {
	return r.locked(func(d memTx) error { return d.AppendAudit(ctx, e) })
}

func (r *MemoryRepository) ListAudit(ctx context.Context, licenseID string) (out []AuditEntry, err error) {
	err = r.locked(func(d memTx) error { out, err = d.ListAudit(ctx, licenseID); return err })
	return out, err
}

func (r *MemoryRepository) NextVersion(ctx context.Context, licenseID string) (v int64, err error) {
	err = r.locked(func(d memTx) error { v, err = d.NextVersion(ctx, licenseID); return err })
	return v, err
}

func (r *MemoryRepository) SyncRecord(ctx context.Context, licenseID, entityType, entityID string) (rec *SyncRecord, err error) {
	err = r.locked(func(d memTx) error { rec, err = d.SyncRecord(ctx, licenseID, entityType, entityID); return err })
	return rec, err
}

func (r *MemoryRepository) PutSyncRecord(ctx context.Context, rec SyncRecord) error {
	return r.locked(func(d memTx) error { return d.PutSyncRecord(ctx, rec) })
}

func (r *MemoryRepository) ListSyncRecords(ctx context.Context, licenseID string, types []string, since int64, limit int) (out []SyncRecord, err error) {
	err = r.locked(func(d memTx) error { out, err = d.ListSyncRecords(ctx, licenseID, types, since, limit); return err })
	return out, err
}

func (r *MemoryRepository) CountSyncRecords(ctx context.Context, licenseID string) (out []cloud.EntityCount, err error) {
	err = r.locked(func(d memTx) error { out, err = d.CountSyncRecords(ctx, licenseID); return err })
	return out, err
}

func (r *MemoryRepository) CountSyncRecordsSince(ctx context.Context, licenseID string, since int64) (n int64, err error) {
	err = r.locked(func(d memTx) error { n, err = d.CountSyncRecordsSince(ctx, licenseID, since); return err })
	return n, err
}

func (r *MemoryRepository) Cursor(ctx context.Context, licenseID, hardwareID string) (c *SyncCursor, err error) {
	err = r.locked(func(d memTx) error { c, err = d.Cursor(ctx, licenseID, hardwareID); return err })
	return c, err
}

func (r *MemoryRepository) PutCursor(ctx context.Context, c SyncCursor) error {
	return r.locked(func(d memTx) error { return d.PutCursor(ctx, c) })
}

// memTx is the unlocked view used inside Transact.
type memTx struct{ d *memData }

func (t memTx) Transact(ctx context.Context, fn func(tx Repository) error) error { return fn(t) }

func (t memTx) CreateLicense(_ context.Context, l *License) error {
	if _, ok := t.d.keys[l.Key]; ok {
		return fmt.Errorf("license key %s already exists", l.Key)
	}
	cp := *l
	t.d.licenses[l.ID] = &cp
	t.d.keys[l.Key] = l.ID
	t.d.createSeq++
	t.d.order[l.ID] = t.d.createSeq
	return nil
}

func (t memTx) UpdateLicense(_ context.Context, l *License) error {
	if _, ok := t.d.licenses[l.ID]; !ok {
		return fmt.Errorf("license %s does not exist", l.ID)
	}
	cp := *l
	t.d.licenses[l.ID] = &cp
	return nil
}

func (t memTx) LicenseByKey(_ context.Context, key string) (*License, error) {
	id, ok := t.d.keys[key]
	if !ok {
		return nil, nil
	}
	cp := *t.d.licenses[id]
	return &cp, nil
}

func (t memTx) LockLicense(context.Context, string) error { return nil }

func (t memTx) ListLicenses(_ context.Context, adminID string) ([]License, error) {
	var out []License
	for _, l := range t.d.licenses {
		if l.AdminID == adminID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return t.d.order[out[i].ID] > t.d.order[out[j].ID] })
	return out, nil
}

func (t memTx) LicensesByHardware(_ context.Context, hardwareID string) ([]License, error) {
	var out []License
	for _, l := range t.d.licenses {
		if l.HardwareID == hardwareID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (t memTx) HardwareByID(_ context.Context, id string) (*Hardware, error) {
	h, ok := t.d.hardware[id]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (t memTx) HardwareByFingerprint(ctx context.Context, fp string) (*Hardware, error) {
	id, ok := t.d.prints[fp]
	if !ok {
		return nil, nil
	}
	return t.HardwareByID(ctx, id)
}

func (t memTx) SaveHardware(_ context.Context, h *Hardware) error {
	if id, ok := t.d.prints[h.Fingerprint]; ok {
		h.ID = id
		h.CreatedAt = t.d.hardware[id].CreatedAt
	}
	cp := *h
	t.d.hardware[h.ID] = &cp
	t.d.prints[h.Fingerprint] = h.ID
	return nil
}

func (t memTx) AppendAudit(_ context.Context, e AuditEntry) error {
	t.d.audit = append(t.d.audit, e)
	return nil
}

func (t memTx) ListAudit(_ context.Context, licenseID string) ([]AuditEntry, error) {
	var out []AuditEntry
	for _, e := range t.d.audit {
		if licenseID == "" || e.LicenseID == licenseID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t memTx) NextVersion(_ context.Context, licenseID string) (int64, error) {
	t.d.versions[licenseID]++
	return t.d.versions[licenseID], nil
}

func (t memTx) SyncRecord(_ context.Context, licenseID, entityType, entityID string) (*SyncRecord, error) {
	rec, ok := t.d.records[recordKey(licenseID, entityType, entityID)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (t memTx) PutSyncRecord(_ context.Context, rec SyncRecord) error {
	t.d.records[recordKey(rec.LicenseID, rec.EntityType, rec.EntityID)] = rec
	return nil
}

func (t memTx) ListSyncRecords(_ context.Context, licenseID string, types []string, since int64, limit int) ([]SyncRecord, error) {
	var out []SyncRecord
	for _, rec := range t.d.records {
		if rec.LicenseID != licenseID || rec.Version <= since {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, rec.EntityType) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t memTx) CountSyncRecords(_ context.Context, licenseID string) ([]cloud.EntityCount, error) {
	byType := map[string]*cloud.EntityCount{}
	for _, rec := range t.d.records {
		if rec.LicenseID != licenseID {
			continue
		}
		c, ok := byType[rec.EntityType]
		if !ok {
			c = &cloud.EntityCount{EntityType: rec.EntityType}
			byType[rec.EntityType] = c
		}
		if !rec.deleted() {
			c.Count++
		}
		c.MaxVersion = max(c.MaxVersion, rec.Version)
	}
	out := make([]cloud.EntityCount, 0, len(byType))
	for _, c := range byType {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityType < out[j].EntityType })
	return out, nil
}

func (t memTx) CountSyncRecordsSince(_ context.Context, licenseID string, since int64) (int64, error) {
	var n int64
	for _, rec := range t.d.records {
		if rec.LicenseID == licenseID && rec.Version > since {
			n++
		}
	}
	return n, nil
}

func (t memTx) Cursor(_ context.Context, licenseID, hardwareID string) (*SyncCursor, error) {
	c, ok := t.d.cursors[licenseID+"/"+hardwareID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t memTx) PutCursor(_ context.Context, c SyncCursor) error {
	t.d.cursors[c.LicenseID+"/"+c.HardwareID] = c
	return nil
}
