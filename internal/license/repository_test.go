package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giro/internal/cloud"
)

// repositories returns every backend to run the contract against. Postgres
// joins when GIRO_TEST_DATABASE_URL is set.
func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	repos := map[string]Repository{"memory": NewMemoryRepository()}
	if url := os.Getenv("GIRO_TEST_DATABASE_URL"); url != "" {
		ctx := context.Background()
		db, err := ConnectPostgres(ctx, url)
		require.NoError(t, err)
		repo := NewGormRepository(db)
		require.NoError(t, repo.Migrate(ctx))
		repos["postgres"] = repo
	}
	return repos
}

// uniq keeps rows of repeated runs against one database apart.
func uniq(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func testTime() time.Time {
	return time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
}

func TestRepository_Licenses(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := testTime()
			admin := uniq("admin")

			first := &License{ID: uuid.NewString(), Key: uniq("GIRO-A"), AdminID: admin, Plan: PlanMonthly, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
			second := &License{ID: uuid.NewString(), Key: uniq("GIRO-B"), AdminID: admin, Plan: PlanAnnual, Status: StatusPending, CreatedAt: now.Add(time.Minute), UpdatedAt: now}
			require.NoError(t, repo.CreateLicense(ctx, first))
			require.NoError(t, repo.CreateLicense(ctx, second))
			assert.Error(t, repo.CreateLicense(ctx, &License{ID: uuid.NewString(), Key: first.Key, AdminID: admin, Plan: PlanMonthly, Status: StatusPending, CreatedAt: now, UpdatedAt: now}))

			missing, err := repo.LicenseByKey(ctx, "GIRO-MISSING")
			require.NoError(t, err)
			assert.Nil(t, missing)

			hw := &Hardware{ID: uuid.NewString(), Fingerprint: uniq("FP"), MachineName: "caixa", LastSeenAt: now, CreatedAt: now}
			require.NoError(t, repo.SaveHardware(ctx, hw))

			exp := now.Add(30 * day)
			first.Status = StatusActive
			first.HardwareID = hw.ID
			first.ActivatedAt = &now
			first.ExpiresAt = &exp
			first.ValidationCount = 4
			require.NoError(t, repo.UpdateLicense(ctx, first))

			got, err := repo.LicenseByKey(ctx, first.Key)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, StatusActive, got.Status)
			assert.Equal(t, hw.ID, got.HardwareID)
			assert.True(t, got.ExpiresAt.Equal(exp))
			assert.Equal(t, int64(4), got.ValidationCount)

			bound, err := repo.LicensesByHardware(ctx, hw.ID)
			require.NoError(t, err)
			require.Len(t, bound, 1)
			assert.Equal(t, first.ID, bound[0].ID)

			// Clearing the binding round-trips as empty.
			first.HardwareID = ""
			require.NoError(t, repo.UpdateLicense(ctx, first))
			got, err = repo.LicenseByKey(ctx, first.Key)
			require.NoError(t, err)
			assert.Empty(t, got.HardwareID)

			list, err := repo.ListLicenses(ctx, admin)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, second.ID, list[0].ID)
		})
	}
}

func TestRepository_HardwareUpsertByFingerprint(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := testTime()
			fp := uniq("FP")

			orig := &Hardware{ID: uuid.NewString(), Fingerprint: fp, MachineName: "caixa-1", LastSeenAt: now, CreatedAt: now}
			require.NoError(t, repo.SaveHardware(ctx, orig))

			again := &Hardware{ID: uuid.NewString(), Fingerprint: fp, MachineName: "caixa-renamed", LastSeenIP: "10.0.0.2", LastSeenAt: now.Add(time.Hour), CreatedAt: now.Add(time.Hour)}
			require.NoError(t, repo.SaveHardware(ctx, again))
			assert.Equal(t, orig.ID, again.ID)
			assert.True(t, again.CreatedAt.Equal(now))

			got, err := repo.HardwareByFingerprint(ctx, fp)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, orig.ID, got.ID)
			assert.Equal(t, "caixa-renamed", got.MachineName)
			assert.Equal(t, "10.0.0.2", got.LastSeenIP)

			none, err := repo.HardwareByID(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, none)
		})
	}
}

func TestRepository_Audit(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			licenseID := uuid.NewString()
			for i, action := range []AuditAction{AuditLicenseCreated, AuditLicenseActivated, AuditLicenseValidated} {
				require.NoError(t, repo.AppendAudit(ctx, AuditEntry{
					ID:        uuid.NewString(),
					Action:    action,
					AdminID:   "admin-1",
					LicenseID: licenseID,
					Metadata:  map[string]any{"step": fmt.Sprint(i)},
					CreatedAt: testTime(),
				}))
			}
			require.NoError(t, repo.AppendAudit(ctx, AuditEntry{ID: uuid.NewString(), Action: AuditLicenseCreated, LicenseID: uuid.NewString(), CreatedAt: testTime()}))

			entries, err := repo.ListAudit(ctx, licenseID)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, AuditLicenseCreated, entries[0].Action)
			assert.Equal(t, AuditLicenseValidated, entries[2].Action)
			assert.Equal(t, "2", entries[2].Metadata["step"])
		})
	}
}

func TestRepository_SyncLog(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lic := uuid.NewString()
			now := testTime()

			put := func(typ, id, op string) int64 {
				v, err := repo.NextVersion(ctx, lic)
				require.NoError(t, err)
				rec := SyncRecord{LicenseID: lic, EntityType: typ, EntityID: id, Operation: op, Version: v, UpdatedAt: now, Origin: "hw-1"}
				if op != "delete" {
					rec.Data = json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))
				}
				require.NoError(t, repo.PutSyncRecord(ctx, rec))
				return v
			}
			assert.Equal(t, int64(1), put("product", "p1", "upsert"))
			assert.Equal(t, int64(2), put("product", "p2", "upsert"))
			assert.Equal(t, int64(3), put("customer", "c1", "upsert"))
			assert.Equal(t, int64(4), put("product", "p1", "delete"))

			rec, err := repo.SyncRecord(ctx, lic, "product", "p1")
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, int64(4), rec.Version)
			assert.Equal(t, "delete", rec.Operation)
			assert.Empty(t, rec.Data)

			recs, err := repo.ListSyncRecords(ctx, lic, nil, 1, 10)
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, []int64{2, 3, 4}, []int64{recs[0].Version, recs[1].Version, recs[2].Version})

			recs, err = repo.ListSyncRecords(ctx, lic, []string{"product"}, 0, 1)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "p2", recs[0].EntityID)
			assert.JSONEq(t, `{"id":"p2"}`, string(recs[0].Data))

			counts, err := repo.CountSyncRecords(ctx, lic)
			require.NoError(t, err)
			assert.Equal(t, []cloud.EntityCount{
				{EntityType: "customer", Count: 1, MaxVersion: 3},
				{EntityType: "product", Count: 1, MaxVersion: 4},
			}, counts)

			n, err := repo.CountSyncRecordsSince(ctx, lic, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			cur, err := repo.Cursor(ctx, lic, "hw-1")
			require.NoError(t, err)
			assert.Nil(t, cur)
			require.NoError(t, repo.PutCursor(ctx, SyncCursor{LicenseID: lic, HardwareID: "hw-1", Version: 2, SyncedAt: now}))
			require.NoError(t, repo.PutCursor(ctx, SyncCursor{LicenseID: lic, HardwareID: "hw-1", Version: 4, SyncedAt: now.Add(time.Minute)}))
			cur, err = repo.Cursor(ctx, lic, "hw-1")
			require.NoError(t, err)
			require.NotNil(t, cur)
			assert.Equal(t, int64(4), cur.Version)
			assert.True(t, cur.SyncedAt.Equal(now.Add(time.Minute)))
		})
	}
}

func TestRepository_Transact(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lic := uuid.NewString()
			boom := errors.New("boom")

			err := repo.Transact(ctx, func(tx Repository) error {
				v, err := tx.NextVersion(ctx, lic)
				require.NoError(t, err)
				assert.Equal(t, int64(1), v)
				return nil
			})
			require.NoError(t, err)

			err = repo.Transact(ctx, func(tx Repository) error {
				return boom
			})
			assert.ErrorIs(t, err, boom)

			v, err := repo.NextVersion(ctx, lic)
			require.NoError(t, err)
			assert.Equal(t, int64(2), v)
		})
	}
}

func TestRepository_TransactRollsBackWrites(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := testTime()
			boom := errors.New("boom")
			lic := &License{ID: uuid.NewString(), Key: uniq("GIRO-T"), AdminID: uniq("admin"), Plan: PlanMonthly, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
			require.NoError(t, repo.CreateLicense(ctx, lic))
			fp := uniq("fp")

			err := repo.Transact(ctx, func(tx Repository) error {
				activated := *lic
				activated.Status = StatusActive
				if err := tx.UpdateLicense(ctx, &activated); err != nil {
					return err
				}
				if _, err := tx.NextVersion(ctx, lic.ID); err != nil {
					return err
				}
				if err := tx.SaveHardware(ctx, &Hardware{ID: uuid.NewString(), Fingerprint: fp, CreatedAt: now, LastSeenAt: now}); err != nil {
					return err
				}
				if err := tx.AppendAudit(ctx, AuditEntry{ID: uuid.NewString(), Action: AuditLicenseActivated, LicenseID: lic.ID, CreatedAt: now}); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)

			got, err := repo.LicenseByKey(ctx, lic.Key)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, StatusPending, got.Status)

			hw, err := repo.HardwareByFingerprint(ctx, fp)
			require.NoError(t, err)
			assert.Nil(t, hw)

			entries, err := repo.ListAudit(ctx, lic.ID)
			require.NoError(t, err)
			assert.Empty(t, entries)

			v, err := repo.NextVersion(ctx, lic.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1), v)
		})
	}
}
