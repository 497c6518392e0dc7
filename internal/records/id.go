package records

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/scuteapp/scute/internal/replica"
)

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
// UUIDv7 sorts roughly by creation time, which keeps primary key inserts
// append-mostly on both sides of the sync.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func setRecordID(record replica.Record, id string) error {
	switch r := record.(type) {
	case *replica.CollectionItem:
		r.ID = id
	case *replica.FeedingEvent:
		r.ID = id
	case *replica.ShedEvent:
		r.ID = id
	case *replica.Measurement:
		r.ID = id
	case *replica.EnvironmentLog:
		r.ID = id
	case *replica.Photo:
		r.ID = id
	default:
		return fmt.Errorf("records: unsupported record type %T", record)
	}
	return nil
}
