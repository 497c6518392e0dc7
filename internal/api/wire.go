package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scuteapp/scute/internal/replica"
)

// PushRequest is the body of POST /api/sync/{table}: one mutation intent
// replayed against the server.
type PushRequest struct {
	Operation string          `json:"operation"`
	RecordID  string          `json:"recordId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ServerRecord is one record in a pull bundle. The envelope fields are
// parsed eagerly; Payload retains the full original object so the replica
// can decode the entity-specific fields itself.
type ServerRecord struct {
	ID        string
	UpdatedAt time.Time
	DeletedAt *time.Time
	Payload   json.RawMessage
}

// UnmarshalJSON keeps the raw object alongside the parsed envelope.
func (r *ServerRecord) UnmarshalJSON(data []byte) error {
	var envelope struct {
		ID        string  `json:"id"`
		UpdatedAt string  `json:"updatedAt"`
		DeletedAt *string `json:"deletedAt"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	if envelope.ID == "" {
		return fmt.Errorf("api: server record missing id")
	}

	updatedAt, err := time.Parse(time.RFC3339, envelope.UpdatedAt)
	if err != nil {
		return fmt.Errorf("api: invalid updatedAt %q: %w", envelope.UpdatedAt, err)
	}

	r.ID = envelope.ID
	r.UpdatedAt = updatedAt
	r.DeletedAt = nil
	if envelope.DeletedAt != nil {
		deletedAt, err := time.Parse(time.RFC3339, *envelope.DeletedAt)
		if err != nil {
			return fmt.Errorf("api: invalid deletedAt %q: %w", *envelope.DeletedAt, err)
		}
		r.DeletedAt = &deletedAt
	}
	r.Payload = append([]byte(nil), data...)
	return nil
}

// PullResponse is the body of GET /api/sync/pull: per-entity-type arrays of
// server records plus the server-observed timestamp of the snapshot.
type PullResponse struct {
	Animals         []ServerRecord `json:"animals"`
	Feedings        []ServerRecord `json:"feedings"`
	Sheds           []ServerRecord `json:"sheds"`
	Measurements    []ServerRecord `json:"measurements"`
	Environments    []ServerRecord `json:"environments"`
	Photos          []ServerRecord `json:"photos"`
	ServerTimestamp int64          `json:"serverTimestamp"`
}

// Bundle returns the record slice for one entity table.
func (p PullResponse) Bundle(table replica.EntityTable) []ServerRecord {
	switch table {
	case replica.TableAnimals:
		return p.Animals
	case replica.TableFeedings:
		return p.Feedings
	case replica.TableSheds:
		return p.Sheds
	case replica.TableMeasurements:
		return p.Measurements
	case replica.TableEnvironments:
		return p.Environments
	case replica.TablePhotos:
		return p.Photos
	default:
		return nil
	}
}
