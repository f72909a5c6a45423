package netclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"giro/internal/giro"
	"giro/internal/protocol"
)

// EventKind names a client event.
type EventKind string

const (
	EventStateChanged  EventKind = "state_changed"
	EventMasterFound   EventKind = "master_found"
	EventSyncCompleted EventKind = "sync_completed"
	EventEntityUpdated EventKind = "entity_updated"
	EventStockUpdated  EventKind = "stock_updated"
	EventReconnecting  EventKind = "reconnecting"
	EventError         EventKind = "error"
)

// Event is delivered to subscribers in emission order.
type Event struct {
	Kind       EventKind
	At         time.Time
	State      State
	Addr       string
	Error      string
	EntityType giro.EntityType
	EntityID   string
	// Applied is the number of rows written by a sync.
	Applied int
	Attempt int
	Delay   time.Duration
}

const eventBuffer = 100

// Subscribe returns a channel of events and a cancel func. A subscriber that
// falls 100 events behind is dropped and its channel closed.
func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s)
		}
	}
}

func (c *Client) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.clock.Now()
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			delete(c.subs, id)
			close(ch)
			c.logger.Warn("dropped slow client subscriber", "subscriber", id)
		}
	}
}

// eventEntity maps a broadcast name to the table it updates.
func eventEntity(name string) (giro.EntityType, bool) {
	if name == protocol.EventStockUpdated {
		return giro.EntityProduct, true
	}
	prefix, ok := strings.CutSuffix(name, ".updated")
	if !ok {
		return "", false
	}
	t, err := giro.ParseEntityType(prefix)
	if err != nil {
		return "", false
	}
	return t, true
}

func (c *Client) applyEvent(ctx context.Context, ev protocol.Event) {
	t, ok := eventEntity(ev.Event)
	if !ok {
		c.logger.Debug("ignoring event", "event", ev.Event)
		return
	}
	e, applied, err := c.applyRow(ctx, t, ev.Data)
	if err != nil {
		c.logger.Warn("applying event failed", "event", ev.Event, "error", err)
		return
	}
	if !applied {
		return
	}
	kind := EventEntityUpdated
	if ev.Event == protocol.EventStockUpdated {
		kind = EventStockUpdated
	}
	c.emit(Event{Kind: kind, EntityType: t, EntityID: e.ID})
}

// applyRow writes one replicated row at version 0, so the locally stored
// cloud version is kept. A {"id", "deleted": true} frame deletes the row.
func (c *Client) applyRow(ctx context.Context, t giro.EntityType, raw json.RawMessage) (giro.Entity, bool, error) {
	e, err := giro.EntityFromData(t, raw)
	if err != nil {
		return giro.Entity{}, false, err
	}
	var flag struct {
		Deleted bool `json:"deleted"`
	}
	_ = json.Unmarshal(raw, &flag)
	if flag.Deleted {
		e = giro.Entity{Type: t, ID: e.ID, Data: raw, Deleted: true}
	}
	if t == giro.EntitySetting && !giro.IsReplicatedSetting(e.ID) {
		return e, false, nil
	}
	applied, err := c.store.ApplyEntity(ctx, e)
	if err != nil {
		return e, false, fmt.Errorf("applying %s %s: %w", t, e.ID, err)
	}
	if applied && t == giro.EntitySetting && c.settingApplied != nil {
		c.settingApplied(e.ID)
	}
	return e, applied, nil
}

// applySnapshot writes every row of a sync response and advances
// network.last_sync to the Master's timestamp.
func (c *Client) applySnapshot(ctx context.Context, data protocol.SyncData, kind string) error {
	var applied, failed int
	for table, rows := range data.Tables {
		t, err := giro.ParseEntityType(table)
		if err != nil {
			c.logger.Warn("skipping unknown table", "table", table)
			continue
		}
		for _, raw := range rows {
			_, ok, err := c.applyRow(ctx, t, raw)
			if err != nil {
				failed++
				c.logger.Warn("skipping row", "table", table, "error", err)
				continue
			}
			if ok {
				applied++
			}
		}
	}
	if err := c.store.SetSetting(ctx, giro.SettingLastSync, strconv.FormatInt(data.Timestamp, 10)); err != nil {
		return fmt.Errorf("saving last sync: %w", err)
	}
	c.logger.Info("sync applied", "kind", kind, "applied", applied, "failed", failed, "timestamp", data.Timestamp)
	c.emit(Event{Kind: EventSyncCompleted, Applied: applied})
	return nil
}
