package records

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/scuteapp/scute/internal/replica"
	"github.com/scuteapp/scute/internal/syncqueue"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("generated-%d", p.next), nil
}

type fixture struct {
	store   *replica.Store
	queue   *syncqueue.Queue
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(append(replica.Models(), &syncqueue.Item{})...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	f := &fixture{}
	f.store, err = replica.NewStore(replica.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	f.queue, err = syncqueue.NewQueue(syncqueue.QueueConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	f.service, err = NewService(ServiceConfig{
		Store:      f.store,
		Queue:      f.queue,
		IDProvider: &sequenceIDs{},
		Clock:      func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return f
}

func pendingItems(t *testing.T, queue *syncqueue.Queue) []syncqueue.Item {
	t.Helper()
	items, err := queue.ListPending(context.Background())
	if err != nil {
		t.Fatalf("failed to list queue: %v", err)
	}
	return items
}

func TestCreateAssignsIDWhenMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recordID, err := f.service.Create(ctx, &replica.CollectionItem{Name: "Nyx", Species: "Python regius"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if recordID != "generated-1" {
		t.Fatalf("expected provider-assigned id, got %q", recordID)
	}

	loaded, err := f.store.Get(ctx, replica.TableAnimals, recordID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if loaded.Meta().SyncStatus != replica.SyncStatusPending {
		t.Fatalf("expected pending record, got %s", loaded.Meta().SyncStatus)
	}
}

func TestCreateKeepsCallerSuppliedID(t *testing.T) {
	f := newFixture(t)
	recordID, err := f.service.Create(context.Background(), &replica.CollectionItem{ID: "caller-id", Name: "Io"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if recordID != "caller-id" {
		t.Fatalf("expected caller id preserved, got %q", recordID)
	}
}

func TestCreateQueuesFullPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	feeding := &replica.FeedingEvent{AnimalID: "a1", FedAtMs: 1699990000000, PreyType: "Mouse", Quantity: 1}
	recordID, err := f.service.Create(ctx, feeding)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	items := pendingItems(t, f.queue)
	if len(items) != 1 {
		t.Fatalf("expected one queued intent, got %d", len(items))
	}
	item := items[0]
	if item.Operation != syncqueue.OperationCreate || item.Table != "feedings" || item.RecordID != recordID {
		t.Fatalf("unexpected intent: %+v", item)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(item.PayloadJSON), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["preyType"] != "Mouse" || payload["animalId"] != "a1" || payload["id"] != recordID {
		t.Fatalf("payload missing wire fields: %v", payload)
	}
	if _, found := payload["syncStatus"]; found {
		t.Fatalf("sync bookkeeping must not travel on the wire: %v", payload)
	}
}

func TestPatchUpdatesFieldAndQueuesDiffOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recordID, err := f.service.Create(ctx, &replica.Measurement{AnimalID: "a1", MeasuredAtMs: 5, WeightGrams: 300, LengthCm: 90})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if err := f.service.Patch(ctx, replica.TableMeasurements, recordID, map[string]interface{}{"weightGrams": 305.5}); err != nil {
		t.Fatalf("unexpected patch error: %v", err)
	}

	loaded, err := f.store.Get(ctx, replica.TableMeasurements, recordID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	measurement := loaded.(*replica.Measurement)
	if measurement.WeightGrams != 305.5 || measurement.LengthCm != 90 {
		t.Fatalf("patch must change only the named field, got %+v", measurement)
	}

	items := pendingItems(t, f.queue)
	if len(items) != 2 {
		t.Fatalf("expected create plus update intents, got %d", len(items))
	}
	update := items[1]
	if update.Operation != syncqueue.OperationUpdate {
		t.Fatalf("expected UPDATE intent, got %s", update.Operation)
	}
	var diff map[string]interface{}
	if err := json.Unmarshal([]byte(update.PayloadJSON), &diff); err != nil {
		t.Fatalf("failed to decode diff: %v", err)
	}
	if len(diff) != 1 || diff["weightGrams"] != 305.5 {
		t.Fatalf("expected the diff alone in the payload, got %v", diff)
	}
}

func TestPatchDiscardsIdentifierKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recordID, err := f.service.Create(ctx, &replica.Measurement{AnimalID: "a1", MeasuredAtMs: 5, WeightGrams: 300})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	patch := map[string]interface{}{"id": "hijacked-id", "weightGrams": 310.0}
	if err := f.service.Patch(ctx, replica.TableMeasurements, recordID, patch); err != nil {
		t.Fatalf("unexpected patch error: %v", err)
	}

	loaded, err := f.store.Get(ctx, replica.TableMeasurements, recordID)
	if err != nil {
		t.Fatalf("record must stay under its original id: %v", err)
	}
	if loaded.(*replica.Measurement).WeightGrams != 310.0 {
		t.Fatalf("expected the remaining field applied, got %+v", loaded)
	}
	if _, err := f.store.Get(ctx, replica.TableMeasurements, "hijacked-id"); err == nil {
		t.Fatalf("patch must not create a row under a new id")
	}

	items := pendingItems(t, f.queue)
	if len(items) != 2 {
		t.Fatalf("expected create plus update intents, got %d", len(items))
	}
	var diff map[string]interface{}
	if err := json.Unmarshal([]byte(items[1].PayloadJSON), &diff); err != nil {
		t.Fatalf("failed to decode diff: %v", err)
	}
	if _, found := diff["id"]; found {
		t.Fatalf("identifier must not travel in the diff: %v", diff)
	}
	if items[1].RecordID != recordID {
		t.Fatalf("intent must target the original id, got %q", items[1].RecordID)
	}
}

func TestPatchOfIdentifierAloneIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recordID, err := f.service.Create(ctx, &replica.Measurement{AnimalID: "a1", MeasuredAtMs: 5})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := f.service.Patch(ctx, replica.TableMeasurements, recordID, map[string]interface{}{"id": "other"}); err != nil {
		t.Fatalf("identifier-only patch must be a no-op, got %v", err)
	}
	if items := pendingItems(t, f.queue); len(items) != 1 {
		t.Fatalf("identifier-only patch must not queue an intent, got %d items", len(items))
	}
}

func TestPatchWithEmptyDiffIsNoOp(t *testing.T) {
	f := newFixture(t)
	if err := f.service.Patch(context.Background(), replica.TableAnimals, "missing", nil); err != nil {
		t.Fatalf("empty patch must be a no-op, got %v", err)
	}
	if items := pendingItems(t, f.queue); len(items) != 0 {
		t.Fatalf("empty patch must not queue an intent")
	}
}

func TestPatchMissingRecordFails(t *testing.T) {
	f := newFixture(t)
	err := f.service.Patch(context.Background(), replica.TableAnimals, "missing", map[string]interface{}{"name": "x"})
	if err == nil {
		t.Fatalf("expected lookup error for missing record")
	}
}

func TestDeleteTombstonesLocallyAndQueuesIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recordID, err := f.service.Create(ctx, &replica.ShedEvent{AnimalID: "a1", ShedAtMs: 10})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := f.service.Delete(ctx, replica.TableSheds, recordID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	loaded, err := f.store.Get(ctx, replica.TableSheds, recordID)
	if err != nil {
		t.Fatalf("tombstoned row must remain until the server echoes it: %v", err)
	}
	if loaded.Meta().DeletedAtMs == nil || *loaded.Meta().DeletedAtMs != 1700000000000 {
		t.Fatalf("expected tombstone timestamp, got %+v", loaded.Meta())
	}

	items := pendingItems(t, f.queue)
	if len(items) != 2 {
		t.Fatalf("expected create plus delete intents, got %d", len(items))
	}
	deleteIntent := items[1]
	if deleteIntent.Operation != syncqueue.OperationDelete || deleteIntent.PayloadJSON != "" {
		t.Fatalf("unexpected delete intent: %+v", deleteIntent)
	}
}
