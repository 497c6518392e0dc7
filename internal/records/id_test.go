package records

import (
	"testing"

	"github.com/google/uuid"
	"github.com/scuteapp/scute/internal/replica"
)

func TestUUIDProviderIssuesUniqueV7IDs(t *testing.T) {
	provider := NewUUIDProvider()

	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct identifiers")
	}

	parsed, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("expected a valid uuid, got %q: %v", first, err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected uuid version 7, got %d", parsed.Version())
	}
}

func TestSetRecordIDCoversEveryEntityType(t *testing.T) {
	records := []replica.Record{
		&replica.CollectionItem{},
		&replica.FeedingEvent{},
		&replica.ShedEvent{},
		&replica.Measurement{},
		&replica.EnvironmentLog{},
		&replica.Photo{},
	}
	for _, record := range records {
		if err := setRecordID(record, "assigned"); err != nil {
			t.Fatalf("failed to assign id on %T: %v", record, err)
		}
		if record.RecordID() != "assigned" {
			t.Fatalf("id not applied on %T", record)
		}
	}
}
