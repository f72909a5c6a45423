package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"giro/internal/giro"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

// newTestDB creates a new in-memory database with schema applied.
func newTestDB(t *testing.T) (*SQLiteDatabase, *testClock) {
	t.Helper()

	conn, err := OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	clock := &testClock{now: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)}
	db := NewSQLiteDatabaseFromDB(conn, clock)
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db, clock
}

func product(id string, version int64, updated time.Time, extra string) giro.Entity {
	data := `{"id":"` + id + `","name":"Coffee"` + extra + `,"updated_at":"` + updated.Format(time.RFC3339) + `"}`
	return giro.Entity{
		Type:      giro.EntityProduct,
		ID:        id,
		Data:      json.RawMessage(data),
		Version:   version,
		UpdatedAt: updated,
	}
}

func TestSQLiteDatabase_Settings(t *testing.T) {
	ctx := context.Background()

	t.Run("returns not found for missing key", func(t *testing.T) {
		db, _ := newTestDB(t)

		_, ok, err := db.GetSetting(ctx, giro.SettingMode)
		if err != nil {
			t.Fatalf("GetSetting() error = %v", err)
		}
		if ok {
			t.Error("GetSetting() ok = true, want false")
		}
	})

	t.Run("set overwrites and delete removes", func(t *testing.T) {
		db, _ := newTestDB(t)

		if err := db.SetSetting(ctx, giro.SettingMode, "master"); err != nil {
			t.Fatalf("SetSetting() error = %v", err)
		}
		if err := db.SetSetting(ctx, giro.SettingMode, "satellite"); err != nil {
			t.Fatalf("SetSetting() error = %v", err)
		}
		got, ok, err := db.GetSetting(ctx, giro.SettingMode)
		if err != nil || !ok {
			t.Fatalf("GetSetting() = %q, %v, %v", got, ok, err)
		}
		if got != "satellite" {
			t.Errorf("GetSetting() = %q, want %q", got, "satellite")
		}

		if err := db.DeleteSetting(ctx, giro.SettingMode); err != nil {
			t.Fatalf("DeleteSetting() error = %v", err)
		}
		if _, ok, _ := db.GetSetting(ctx, giro.SettingMode); ok {
			t.Error("GetSetting() after delete ok = true, want false")
		}
	})

	t.Run("lists by prefix in descending key order", func(t *testing.T) {
		db, _ := newTestDB(t)

		for _, k := range []string{"pin_hmac_key_100", "pin_hmac_key_300", "pin_hmac_key_200", "store.name"} {
			if err := db.SetSetting(ctx, k, "v-"+k); err != nil {
				t.Fatalf("SetSetting(%s) error = %v", k, err)
			}
		}

		got, err := db.ListSettings(ctx, giro.SettingHMACHistoryPrefix)
		if err != nil {
			t.Fatalf("ListSettings() error = %v", err)
		}
		want := []string{"pin_hmac_key_300", "pin_hmac_key_200", "pin_hmac_key_100"}
		if len(got) != len(want) {
			t.Fatalf("len(ListSettings()) = %d, want %d", len(got), len(want))
		}
		for i, k := range want {
			if got[i].Key != k {
				t.Errorf("ListSettings()[%d].Key = %q, want %q", i, got[i].Key, k)
			}
		}
	})
}

func TestSQLiteDatabase_ApplyEntity(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("inserts and reads back", func(t *testing.T) {
		db, _ := newTestDB(t)

		applied, err := db.ApplyEntity(ctx, product("p1", 1, t0, ""))
		if err != nil {
			t.Fatalf("ApplyEntity() error = %v", err)
		}
		if !applied {
			t.Error("ApplyEntity() applied = false, want true")
		}

		got, err := db.GetEntity(ctx, giro.EntityProduct, "p1")
		if err != nil {
			t.Fatalf("GetEntity() error = %v", err)
		}
		if got == nil {
			t.Fatal("GetEntity() returned nil")
		}
		if got.Version != 1 {
			t.Errorf("Version = %d, want 1", got.Version)
		}
		if !got.UpdatedAt.Equal(t0) {
			t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, t0)
		}
	})

	t.Run("re-applying the same version is a no-op", func(t *testing.T) {
		db, _ := newTestDB(t)

		if _, err := db.ApplyEntity(ctx, product("p1", 2, t0, `,"price":10`)); err != nil {
			t.Fatalf("ApplyEntity() error = %v", err)
		}
		applied, err := db.ApplyEntity(ctx, product("p1", 2, t0.Add(time.Hour), `,"price":99`))
		if err != nil {
			t.Fatalf("second ApplyEntity() error = %v", err)
		}
		if applied {
			t.Error("second ApplyEntity() applied = true, want false")
		}

		got, _ := db.GetEntity(ctx, giro.EntityProduct, "p1")
		var body struct{ Price int }
		json.Unmarshal(got.Data, &body)
		if body.Price != 10 {
			t.Errorf("price = %d, want 10", body.Price)
		}
	})

	t.Run("older version is ignored", func(t *testing.T) {
		db, _ := newTestDB(t)

		db.ApplyEntity(ctx, product("p1", 5, t0, ""))
		applied, err := db.ApplyEntity(ctx, product("p1", 3, t0, ""))
		if err != nil {
			t.Fatalf("ApplyEntity() error = %v", err)
		}
		if applied {
			t.Error("ApplyEntity() with older version applied = true, want false")
		}
	})

	t.Run("delete tombstones the row", func(t *testing.T) {
		db, _ := newTestDB(t)

		db.ApplyEntity(ctx, product("p1", 1, t0, ""))
		applied, err := db.ApplyEntity(ctx, giro.Entity{Type: giro.EntityProduct, ID: "p1", Version: 2, Deleted: true})
		if err != nil {
			t.Fatalf("ApplyEntity(delete) error = %v", err)
		}
		if !applied {
			t.Error("ApplyEntity(delete) applied = false, want true")
		}

		got, _ := db.GetEntity(ctx, giro.EntityProduct, "p1")
		if got != nil {
			t.Errorf("GetEntity() after delete = %+v, want nil", got)
		}
		n, _ := db.CountEntities(ctx, giro.EntityProduct)
		if n != 0 {
			t.Errorf("CountEntities() = %d, want 0", n)
		}
	})

	t.Run("delete of absent row is a no-op", func(t *testing.T) {
		db, _ := newTestDB(t)

		applied, err := db.ApplyEntity(ctx, giro.Entity{Type: giro.EntityCustomer, ID: "ghost", Deleted: true})
		if err != nil {
			t.Fatalf("ApplyEntity(delete) error = %v", err)
		}
		if applied {
			t.Error("ApplyEntity(delete) applied = true, want false")
		}
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		db, _ := newTestDB(t)

		_, err := db.ApplyEntity(ctx, giro.Entity{Type: giro.EntityProduct, ID: "p1", Data: json.RawMessage("{bad")})
		if err == nil {
			t.Fatal("ApplyEntity() expected error for invalid json")
		}
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		db, _ := newTestDB(t)

		_, err := db.ApplyEntity(ctx, giro.Entity{Type: "sale", ID: "s1", Data: json.RawMessage("{}")})
		if err == nil {
			t.Fatal("ApplyEntity() expected error for unknown type")
		}
	})
}

func TestSQLiteDatabase_ListEntities(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	t0 := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	db.ApplyEntity(ctx, product("p1", 1, t0, ""))
	db.ApplyEntity(ctx, product("p2", 1, t0.Add(time.Minute), ""))
	db.ApplyEntity(ctx, product("p3", 1, t0.Add(2*time.Minute), ""))

	tests := []struct {
		name  string
		since time.Time
		want  []string
	}{
		{"zero since returns all", time.Time{}, []string{"p1", "p2", "p3"}},
		{"strictly after since", t0.Add(time.Minute), []string{"p3"}},
		{"nothing newer", t0.Add(time.Hour), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListEntities(ctx, giro.EntityProduct, tt.since)
			if err != nil {
				t.Fatalf("ListEntities() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len(ListEntities()) = %d, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("ListEntities()[%d].ID = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestSQLiteDatabase_SettingEntities(t *testing.T) {
	ctx := context.Background()

	t.Run("replicated setting lands in the KV", func(t *testing.T) {
		db, _ := newTestDB(t)

		e := giro.Entity{
			Type: giro.EntitySetting,
			ID:   "store.name",
			Data: json.RawMessage(`{"key":"store.name","value":"Loja Centro"}`),
		}
		if _, err := db.ApplyEntity(ctx, e); err != nil {
			t.Fatalf("ApplyEntity() error = %v", err)
		}
		got, ok, _ := db.GetSetting(ctx, "store.name")
		if !ok || got != "Loja Centro" {
			t.Errorf("GetSetting() = %q, %v, want %q", got, ok, "Loja Centro")
		}

		list, _ := db.ListEntities(ctx, giro.EntitySetting, time.Time{})
		if len(list) != 1 || list[0].ID != "store.name" {
			t.Errorf("ListEntities(setting) = %+v, want store.name only", list)
		}
	})

	t.Run("network settings are never replicated", func(t *testing.T) {
		db, _ := newTestDB(t)

		db.SetSetting(ctx, giro.SettingMode, "master")
		e := giro.Entity{
			Type: giro.EntitySetting,
			ID:   giro.SettingMode,
			Data: json.RawMessage(`{"key":"network.mode","value":"satellite"}`),
		}
		applied, err := db.ApplyEntity(ctx, e)
		if err != nil {
			t.Fatalf("ApplyEntity() error = %v", err)
		}
		if applied {
			t.Error("ApplyEntity(network.mode) applied = true, want false")
		}
		got, _, _ := db.GetSetting(ctx, giro.SettingMode)
		if got != "master" {
			t.Errorf("network.mode = %q, want %q", got, "master")
		}

		list, _ := db.ListEntities(ctx, giro.EntitySetting, time.Time{})
		if len(list) != 0 {
			t.Errorf("ListEntities(setting) = %d rows, want 0", len(list))
		}
	})
}

func TestSQLiteDatabase_Employees(t *testing.T) {
	ctx := context.Background()

	t.Run("payload without credentials keeps stored hashes", func(t *testing.T) {
		db, _ := newTestDB(t)

		err := db.UpsertEmployee(ctx, giro.Employee{ID: "e1", Name: "Ana", Role: "cashier", PINHash: "abc", Active: true})
		if err != nil {
			t.Fatalf("UpsertEmployee() error = %v", err)
		}

		e := giro.Entity{
			Type:    giro.EntityEmployee,
			ID:      "e1",
			Data:    json.RawMessage(`{"id":"e1","name":"Ana Maria","role":"manager"}`),
			Version: 2,
		}
		if _, err := db.ApplyEntity(ctx, e); err != nil {
			t.Fatalf("ApplyEntity() error = %v", err)
		}

		got, err := db.FindEmployeeByPINHash(ctx, "abc")
		if err != nil {
			t.Fatalf("FindEmployeeByPINHash() error = %v", err)
		}
		if got == nil {
			t.Fatal("FindEmployeeByPINHash() = nil, want employee")
		}
		if got.Name != "Ana Maria" || got.Role != "manager" {
			t.Errorf("employee = %q/%q, want %q/%q", got.Name, got.Role, "Ana Maria", "manager")
		}
	})

	t.Run("inactive employees are not found by pin", func(t *testing.T) {
		db, _ := newTestDB(t)

		db.UpsertEmployee(ctx, giro.Employee{ID: "e2", Name: "Bia", PINHash: "xyz", Active: false})
		got, err := db.FindEmployeeByPINHash(ctx, "xyz")
		if err != nil {
			t.Fatalf("FindEmployeeByPINHash() error = %v", err)
		}
		if got != nil {
			t.Errorf("FindEmployeeByPINHash() = %+v, want nil", got)
		}
	})

	t.Run("update pin advances updated_at", func(t *testing.T) {
		db, clock := newTestDB(t)

		db.UpsertEmployee(ctx, giro.Employee{ID: "e3", Name: "Caio", PINHash: "old", Active: true})
		clock.now = clock.now.Add(time.Hour)
		if err := db.UpdateEmployeePIN(ctx, "e3", "new"); err != nil {
			t.Fatalf("UpdateEmployeePIN() error = %v", err)
		}

		got, _ := db.FindEmployeeByPINHash(ctx, "new")
		if got == nil {
			t.Fatal("FindEmployeeByPINHash(new) = nil")
		}
		if !got.UpdatedAt.Equal(clock.now) {
			t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, clock.now)
		}
		if err := db.UpdateEmployeePIN(ctx, "missing", "h"); err == nil {
			t.Error("UpdateEmployeePIN(missing) expected error")
		}
	})
}

func TestSQLiteDatabase_PendingQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueue coalesces per entity with a new seq", func(t *testing.T) {
		db, _ := newTestDB(t)

		first, err := db.Enqueue(ctx, giro.PendingItem{Type: giro.EntityProduct, ID: "p1", Data: json.RawMessage(`{"v":1}`)})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		second, err := db.Enqueue(ctx, giro.PendingItem{Type: giro.EntityProduct, ID: "p1", Data: json.RawMessage(`{"v":2}`)})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if second.Seq <= first.Seq {
			t.Errorf("second Seq = %d, want > %d", second.Seq, first.Seq)
		}

		items, _ := db.ListPending(ctx, nil, 0)
		if len(items) != 1 {
			t.Fatalf("len(ListPending()) = %d, want 1", len(items))
		}
		if string(items[0].Data) != `{"v":2}` {
			t.Errorf("Data = %s, want latest snapshot", items[0].Data)
		}
		if items[0].Operation != giro.OpUpsert {
			t.Errorf("Operation = %q, want %q", items[0].Operation, giro.OpUpsert)
		}
	})

	t.Run("ack of an older seq keeps the newer snapshot", func(t *testing.T) {
		db, _ := newTestDB(t)

		first, _ := db.Enqueue(ctx, giro.PendingItem{Type: giro.EntityProduct, ID: "p1"})
		db.Enqueue(ctx, giro.PendingItem{Type: giro.EntityProduct, ID: "p1"})

		if err := db.AckPending(ctx, giro.EntityProduct, "p1", first.Seq); err != nil {
			t.Fatalf("AckPending() error = %v", err)
		}
		ok, _ := db.HasPending(ctx, giro.EntityProduct, "p1")
		if !ok {
			t.Error("HasPending() = false after stale ack, want true")
		}
	})

	t.Run("ack of current seq removes the item", func(t *testing.T) {
		db, _ := newTestDB(t)

		item, _ := db.Enqueue(ctx, giro.PendingItem{Type: giro.EntityCustomer, ID: "c1"})
		db.AckPending(ctx, giro.EntityCustomer, "c1", item.Seq)

		n, _ := db.CountPending(ctx)
		if n != 0 {
			t.Errorf("CountPending() = %d, want 0", n)
		}
	})

	t.Run("filters by type and limits in seq order", func(t *testing.T) {
		db, _ := newTestDB(t)

		db.Enqueue(ctx, giro.PendingItem{Type: giro.EntityProduct, ID: "p1"})
		db.Enqueue(ctx, giro.PendingItem{Type: giro.EntityCustomer, ID: "c1"})
		db.Enqueue(ctx, giro.PendingItem{Type: giro.EntityProduct, ID: "p2"})
		db.Enqueue(ctx, giro.PendingItem{Type: giro.EntityProduct, ID: "p3"})

		got, err := db.ListPending(ctx, []giro.EntityType{giro.EntityProduct}, 2)
		if err != nil {
			t.Fatalf("ListPending() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
			t.Errorf("ListPending() = %+v, want p1, p2", got)
		}
	})

	t.Run("mark attempt counts failures", func(t *testing.T) {
		db, _ := newTestDB(t)

		db.Enqueue(ctx, giro.PendingItem{Type: giro.EntityProduct, ID: "p1"})
		for want := 1; want <= 3; want++ {
			got, err := db.MarkAttempt(ctx, giro.EntityProduct, "p1")
			if err != nil {
				t.Fatalf("MarkAttempt() error = %v", err)
			}
			if got != want {
				t.Errorf("MarkAttempt() = %d, want %d", got, want)
			}
		}

		// Re-queueing resets the counter.
		item, _ := db.Enqueue(ctx, giro.PendingItem{Type: giro.EntityProduct, ID: "p1"})
		if item.Attempts != 0 {
			t.Errorf("Attempts after re-enqueue = %d, want 0", item.Attempts)
		}
	})
}

func TestSQLiteDatabase_ApplyLocal(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("applies and queues with the stored version as base", func(t *testing.T) {
		db, _ := newTestDB(t)
		if _, err := db.ApplyEntity(ctx, product("p1", 7, ts, "")); err != nil {
			t.Fatalf("ApplyEntity() error = %v", err)
		}

		local := product("p1", 0, ts.Add(time.Minute), `,"stock":3`)
		item, err := db.ApplyLocal(ctx, local, giro.PendingItem{Operation: giro.OpUpsert})
		if err != nil {
			t.Fatalf("ApplyLocal() error = %v", err)
		}
		if item.Seq == 0 || item.Type != giro.EntityProduct || item.ID != "p1" {
			t.Errorf("ApplyLocal() item = %+v", item)
		}
		if item.BaseVersion != 7 {
			t.Errorf("BaseVersion = %d, want 7", item.BaseVersion)
		}
		if string(item.Data) != string(local.Data) {
			t.Errorf("Data = %s, want the applied snapshot", item.Data)
		}

		stored, err := db.GetEntity(ctx, giro.EntityProduct, "p1")
		if err != nil || stored == nil {
			t.Fatalf("GetEntity() = %v, %v", stored, err)
		}
		if stored.Version != 7 {
			t.Errorf("stored version = %d, want 7 kept for a local write", stored.Version)
		}
	})

	t.Run("a failed apply queues nothing", func(t *testing.T) {
		db, _ := newTestDB(t)
		bad := giro.Entity{Type: giro.EntityEmployee, ID: "e1", Data: json.RawMessage(`[1]`)}

		_, err := db.ApplyLocal(ctx, bad, giro.PendingItem{Operation: giro.OpUpsert})
		if !errors.Is(err, giro.ErrInvalidEntity) {
			t.Fatalf("ApplyLocal() error = %v, want %v", err, giro.ErrInvalidEntity)
		}
		n, err := db.CountPending(ctx)
		if err != nil {
			t.Fatalf("CountPending() error = %v", err)
		}
		if n != 0 {
			t.Errorf("CountPending() = %d, want 0", n)
		}
	})

	t.Run("node-local settings are applied but not queued", func(t *testing.T) {
		db, _ := newTestDB(t)
		e := giro.Entity{Type: giro.EntitySetting, ID: "store.name", Data: json.RawMessage(`{"key":"store.name","value":"Loja"}`)}
		item, err := db.ApplyLocal(ctx, e, giro.PendingItem{})
		if err != nil {
			t.Fatalf("ApplyLocal() error = %v", err)
		}
		if item.Seq == 0 {
			t.Error("replicated setting was not queued")
		}

		e = giro.Entity{Type: giro.EntitySetting, ID: giro.SettingMasterIP, Data: json.RawMessage(`{"key":"network.master_ip","value":"10.0.0.1"}`)}
		item, err = db.ApplyLocal(ctx, e, giro.PendingItem{})
		if err != nil {
			t.Fatalf("ApplyLocal() error = %v", err)
		}
		if item.Seq != 0 {
			t.Errorf("node-local setting was queued: %+v", item)
		}
		if has, _ := db.HasPending(ctx, giro.EntitySetting, giro.SettingMasterIP); has {
			t.Error("HasPending() = true for a node-local setting")
		}
	})
}

func TestSQLiteDatabase_Cursors(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)

	c, err := db.GetCursor(ctx, giro.EntityProduct)
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if c.LastSyncedVersion != 0 {
		t.Errorf("initial LastSyncedVersion = %d, want 0", c.LastSyncedVersion)
	}

	db.SetCursor(ctx, giro.Cursor{Type: giro.EntityProduct, LastSyncedVersion: 7})
	db.SetCursor(ctx, giro.Cursor{Type: giro.EntityProduct, LastSyncedVersion: 9})

	c, _ = db.GetCursor(ctx, giro.EntityProduct)
	if c.LastSyncedVersion != 9 {
		t.Errorf("LastSyncedVersion = %d, want 9", c.LastSyncedVersion)
	}
	all, _ := db.ListCursors(ctx)
	if len(all) != 1 {
		t.Errorf("len(ListCursors()) = %d, want 1", len(all))
	}
}

func TestSQLiteDatabase_ReviewAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)

	err := db.AddReview(ctx, giro.ReviewItem{
		ID: "r1", Type: giro.EntityProduct, EntityID: "p1",
		Local: json.RawMessage(`{"price":1}`), Remote: json.RawMessage(`{"price":2}`),
		Reason: "conflict",
	})
	if err != nil {
		t.Fatalf("AddReview() error = %v", err)
	}
	items, _ := db.ListReview(ctx)
	if len(items) != 1 || string(items[0].Remote) != `{"price":2}` {
		t.Fatalf("ListReview() = %+v", items)
	}

	got, err := db.ResolveReview(ctx, "r1")
	if err != nil {
		t.Fatalf("ResolveReview() error = %v", err)
	}
	if got == nil || got.EntityID != "p1" {
		t.Errorf("ResolveReview() = %+v, want p1", got)
	}
	if again, _ := db.ResolveReview(ctx, "r1"); again != nil {
		t.Errorf("second ResolveReview() = %+v, want nil", again)
	}

	if err := db.AddDeadLetter(ctx, giro.DeadLetterItem{Type: giro.EntityCustomer, EntityID: "c1", Operation: giro.OpUpsert, Reason: "rejected"}); err != nil {
		t.Fatalf("AddDeadLetter() error = %v", err)
	}
	dead, _ := db.ListDeadLetters(ctx)
	if len(dead) != 1 || dead[0].ID == "" || dead[0].Reason != "rejected" {
		t.Errorf("ListDeadLetters() = %+v", dead)
	}
}

func TestSQLiteDatabase_RemoteSales(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)

	if err := db.RecordRemoteSale(ctx, giro.RemoteSale{TerminalID: "t2", Data: json.RawMessage(`{"total":10}`)}); err != nil {
		t.Fatalf("RecordRemoteSale() error = %v", err)
	}
	n, err := db.CountRemoteSales(ctx)
	if err != nil {
		t.Fatalf("CountRemoteSales() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountRemoteSales() = %d, want 1", n)
	}
}
