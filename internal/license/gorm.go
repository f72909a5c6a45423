package license

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"giro/internal/cloud"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ConnectPostgres opens and pings a Postgres-backed gorm pool.
func ConnectPostgres(ctx context.Context, databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return db, nil
}

type licenseModel struct {
	ID              string     `gorm:"column:id;primaryKey"`
	Key             string     `gorm:"column:license_key"`
	AdminID         string     `gorm:"column:admin_id"`
	Plan            string     `gorm:"column:plan_type"`
	Status          string     `gorm:"column:status"`
	HardwareID      *string    `gorm:"column:hardware_id"`
	ActivatedAt     *time.Time `gorm:"column:activated_at"`
	ExpiresAt       *time.Time `gorm:"column:expires_at"`
	LastValidated   *time.Time `gorm:"column:last_validated"`
	ValidationCount int64      `gorm:"column:validation_count"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (licenseModel) TableName() string { return "licenses" }

type hardwareModel struct {
	ID          string    `gorm:"column:id;primaryKey"`
	Fingerprint string    `gorm:"column:fingerprint"`
	MachineName string    `gorm:"column:machine_name"`
	OSVersion   string    `gorm:"column:os_version"`
	CPUInfo     string    `gorm:"column:cpu_info"`
	LastSeenIP  string    `gorm:"column:last_seen_ip"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (hardwareModel) TableName() string { return "hardware" }

type auditModel struct {
	Seq       int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	ID        string    `gorm:"column:id"`
	Action    string    `gorm:"column:action"`
	AdminID   string    `gorm:"column:admin_id"`
	LicenseID string    `gorm:"column:license_id"`
	IP        string    `gorm:"column:ip_address"`
	Metadata  string    `gorm:"column:metadata"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (auditModel) TableName() string { return "audit_logs" }

type syncRecordModel struct {
	LicenseID  string    `gorm:"column:license_id;primaryKey"`
	EntityType string    `gorm:"column:entity_type;primaryKey"`
	EntityID   string    `gorm:"column:entity_id;primaryKey"`
	Operation  string    `gorm:"column:operation"`
	Data       *string   `gorm:"column:data"`
	Version    int64     `gorm:"column:version"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
	Origin     string    `gorm:"column:origin"`
}

func (syncRecordModel) TableName() string { return "sync_records" }

type syncCursorModel struct {
	LicenseID  string    `gorm:"column:license_id;primaryKey"`
	HardwareID string    `gorm:"column:hardware_id;primaryKey"`
	Version    int64     `gorm:"column:version"`
	SyncedAt   time.Time `gorm:"column:synced_at"`
}

func (syncCursorModel) TableName() string { return "sync_cursors" }

// GormRepository is the Postgres-backed Repository.
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Close releases the connection pool.
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("getting sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Migrate applies the embedded SQL files in lexical order. Every statement
// is idempotent.
func (r *GormRepository) Migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := r.db.WithContext(ctx).Exec(string(raw)).Error; err != nil {
			return fmt.Errorf("applying migration %s: %w", name, err)
		}
	}
	return nil
}

func (r *GormRepository) Transact(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{db: tx})
	})
}

func (r *GormRepository) CreateLicense(ctx context.Context, l *License) error {
	m := toLicenseModel(l)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("license key %s already exists", l.Key)
		}
		return fmt.Errorf("creating license: %w", err)
	}
	return nil
}

func (r *GormRepository) UpdateLicense(ctx context.Context, l *License) error {
	m := toLicenseModel(l)
	if err := r.db.WithContext(ctx).Select("*").Omit("created_at").Updates(&m).Error; err != nil {
		return fmt.Errorf("updating license %s: %w", l.ID, err)
	}
	return nil
}

func (r *GormRepository) LicenseByKey(ctx context.Context, key string) (*License, error) {
	var m licenseModel
	err := r.db.WithContext(ctx).Where("license_key = ?", key).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding license: %w", err)
	}
	l := fromLicenseModel(m)
	return &l, nil
}

func (r *GormRepository) LockLicense(ctx context.Context, id string) error {
	var m licenseModel
	err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&m).Error
	if err != nil {
		return fmt.Errorf("locking license %s: %w", id, err)
	}
	return nil
}

func (r *GormRepository) ListLicenses(ctx context.Context, adminID string) ([]License, error) {
	var ms []licenseModel
	if err := r.db.WithContext(ctx).Where("admin_id = ?", adminID).Order("created_at DESC").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("listing licenses: %w", err)
	}
	return fromLicenseModels(ms), nil
}

func (r *GormRepository) LicensesByHardware(ctx context.Context, hardwareID string) ([]License, error) {
	var ms []licenseModel
	if err := r.db.WithContext(ctx).Where("hardware_id = ?", hardwareID).Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("listing licenses for hardware: %w", err)
	}
	return fromLicenseModels(ms), nil
}

func (r *GormRepository) HardwareByID(ctx context.Context, id string) (*Hardware, error) {
	return r.findHardware(ctx, "id = ?", id)
}

func (r *GormRepository) HardwareByFingerprint(ctx context.Context, fp string) (*Hardware, error) {
	return r.findHardware(ctx, "fingerprint = ?", fp)
}

func (r *GormRepository) findHardware(ctx context.Context, where string, arg string) (*Hardware, error) {
	var m hardwareModel
	err := r.db.WithContext(ctx).Where(where, arg).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding hardware: %w", err)
	}
	h := Hardware(m)
	return &h, nil
}

func (r *GormRepository) SaveHardware(ctx context.Context, h *Hardware) error {
	m := hardwareModel(*h)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"machine_name", "os_version", "cpu_info", "last_seen_ip", "last_seen_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving hardware: %w", err)
	}
	stored, err := r.HardwareByFingerprint(ctx, h.Fingerprint)
	if err != nil {
		return err
	}
	if stored != nil {
		h.ID = stored.ID
		h.CreatedAt = stored.CreatedAt
	}
	return nil
}

func (r *GormRepository) AppendAudit(ctx context.Context, e AuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding audit metadata: %w", err)
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}
	m := auditModel{
		ID:        e.ID,
		Action:    string(e.Action),
		AdminID:   e.AdminID,
		LicenseID: e.LicenseID,
		IP:        e.IP,
		Metadata:  string(meta),
		CreatedAt: e.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (r *GormRepository) ListAudit(ctx context.Context, licenseID string) ([]AuditEntry, error) {
	q := r.db.WithContext(ctx).Order("seq ASC")
	if licenseID != "" {
		q = q.Where("license_id = ?", licenseID)
	}
	var ms []auditModel
	if err := q.Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	out := make([]AuditEntry, 0, len(ms))
	for _, m := range ms {
		e := AuditEntry{
			ID:        m.ID,
			Action:    AuditAction(m.Action),
			AdminID:   m.AdminID,
			LicenseID: m.LicenseID,
			IP:        m.IP,
			CreatedAt: m.CreatedAt,
		}
		if err := json.Unmarshal([]byte(m.Metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding audit metadata %s: %w", m.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *GormRepository) NextVersion(ctx context.Context, licenseID string) (int64, error) {
	var v int64
	err := r.db.WithContext(ctx).Raw(`
		INSERT INTO sync_versions (license_id, version) VALUES (?, 1)
		ON CONFLICT (license_id) DO UPDATE SET version = sync_versions.version + 1
		RETURNING version`, licenseID).Scan(&v).Error
	if err != nil {
		return 0, fmt.Errorf("allocating sync version: %w", err)
	}
	return v, nil
}

func (r *GormRepository) SyncRecord(ctx context.Context, licenseID, entityType, entityID string) (*SyncRecord, error) {
	var m syncRecordModel
	err := r.db.WithContext(ctx).
		Where("license_id = ? AND entity_type = ? AND entity_id = ?", licenseID, entityType, entityID).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding sync record: %w", err)
	}
	rec := fromSyncRecordModel(m)
	return &rec, nil
}

func (r *GormRepository) PutSyncRecord(ctx context.Context, rec SyncRecord) error {
	m := syncRecordModel{
		LicenseID:  rec.LicenseID,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Operation:  rec.Operation,
		Version:    rec.Version,
		UpdatedAt:  rec.UpdatedAt,
		Origin:     rec.Origin,
	}
	if len(rec.Data) > 0 {
		s := string(rec.Data)
		m.Data = &s
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "license_id"}, {Name: "entity_type"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"operation", "data", "version", "updated_at", "origin"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("storing sync record: %w", err)
	}
	return nil
}

func (r *GormRepository) ListSyncRecords(ctx context.Context, licenseID string, types []string, since int64, limit int) ([]SyncRecord, error) {
	q := r.db.WithContext(ctx).Where("license_id = ? AND version > ?", licenseID, since).Order("version ASC")
	if len(types) > 0 {
		q = q.Where("entity_type IN ?", types)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ms []syncRecordModel
	if err := q.Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("listing sync records: %w", err)
	}
	out := make([]SyncRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, fromSyncRecordModel(m))
	}
	return out, nil
}

func (r *GormRepository) CountSyncRecords(ctx context.Context, licenseID string) ([]cloud.EntityCount, error) {
	var out []cloud.EntityCount
	err := r.db.WithContext(ctx).Raw(`
		SELECT entity_type,
		       COUNT(*) FILTER (WHERE operation <> 'delete') AS count,
		       MAX(version) AS max_version
		FROM sync_records WHERE license_id = ?
		GROUP BY entity_type ORDER BY entity_type`, licenseID).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("counting sync records: %w", err)
	}
	return out, nil
}

func (r *GormRepository) CountSyncRecordsSince(ctx context.Context, licenseID string, since int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&syncRecordModel{}).
		Where("license_id = ? AND version > ?", licenseID, since).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("counting pending sync records: %w", err)
	}
	return n, nil
}

func (r *GormRepository) Cursor(ctx context.Context, licenseID, hardwareID string) (*SyncCursor, error) {
	var m syncCursorModel
	err := r.db.WithContext(ctx).Where("license_id = ? AND hardware_id = ?", licenseID, hardwareID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding sync cursor: %w", err)
	}
	c := SyncCursor(m)
	return &c, nil
}

func (r *GormRepository) PutCursor(ctx context.Context, c SyncCursor) error {
	m := syncCursorModel(c)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "license_id"}, {Name: "hardware_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "synced_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("storing sync cursor: %w", err)
	}
	return nil
}

func toLicenseModel(l *License) licenseModel {
	m := licenseModel{
		ID:              l.ID,
		Key:             l.Key,
		AdminID:         l.AdminID,
		Plan:            string(l.Plan),
		Status:          string(l.Status),
		ActivatedAt:     l.ActivatedAt,
		ExpiresAt:       l.ExpiresAt,
		LastValidated:   l.LastValidated,
		ValidationCount: l.ValidationCount,
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
	}
	if l.HardwareID != "" {
		hw := l.HardwareID
		m.HardwareID = &hw
	}
	return m
}

func fromLicenseModel(m licenseModel) License {
	l := License{
		ID:              m.ID,
		Key:             m.Key,
		AdminID:         m.AdminID,
		Plan:            Plan(m.Plan),
		Status:          Status(m.Status),
		ActivatedAt:     m.ActivatedAt,
		ExpiresAt:       m.ExpiresAt,
		LastValidated:   m.LastValidated,
		ValidationCount: m.ValidationCount,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	if m.HardwareID != nil {
		l.HardwareID = *m.HardwareID
	}
	return l
}

func fromLicenseModels(ms []licenseModel) []License {
	out := make([]License, 0, len(ms))
	for _, m := range ms {
		out = append(out, fromLicenseModel(m))
	}
	return out
}

func fromSyncRecordModel(m syncRecordModel) SyncRecord {
	rec := SyncRecord{
		LicenseID:  m.LicenseID,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Operation:  m.Operation,
		Version:    m.Version,
		UpdatedAt:  m.UpdatedAt,
		Origin:     m.Origin,
	}
	if m.Data != nil {
		rec.Data = json.RawMessage(*m.Data)
	}
	return rec
}
