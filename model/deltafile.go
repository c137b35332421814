package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// DeltaMethod is the kind of feature edit a delta describes.
type DeltaMethod string

const (
	DeltaMethodCreate DeltaMethod = "create"
	DeltaMethodPatch  DeltaMethod = "patch"
	DeltaMethodDelete DeltaMethod = "delete"
)

// DeltaFeature is the old or new state of a single feature.
type DeltaFeature struct {
	Geometry   *string        `json:"geometry,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	FileSHA256 map[string]string `json:"file_sha256,omitempty"`
}

// DeltaContent is one per-feature change object inside a deltafile.
type DeltaContent struct {
	UUID          uuid.UUID     `json:"uuid"`
	ClientID      uuid.UUID     `json:"clientId"`
	LocalPK       string        `json:"localPk"`
	SourcePK      string        `json:"sourcePk"`
	LocalLayerID  string        `json:"localLayerId"`
	SourceLayerID string        `json:"sourceLayerId"`
	Method        DeltaMethod   `json:"method"`
	Old           *DeltaFeature `json:"old,omitempty"`
	New           *DeltaFeature `json:"new,omitempty"`
}

// Deltafile is a client-submitted batch of deltas sharing one submission id.
// ClientPKs maps "{clientId}__{localPk}" to the server-assigned primary key
// once known, so later deltas can reference features created earlier.
type Deltafile struct {
	ID        uuid.UUID         `json:"id"`
	ProjectID uuid.UUID         `json:"project"`
	Version   string            `json:"version"`
	Files     []string          `json:"files"`
	Deltas    []DeltaContent    `json:"deltas"`
	ClientPKs map[string]string `json:"clientPks,omitempty"`
}

// DeltafileVersion is the only accepted deltafile format version.
const DeltafileVersion = "1.0"

// ClientPKKey builds the key used in the Deltafile.ClientPKs map.
func ClientPKKey(clientID uuid.UUID, localPK string) string {
	return fmt.Sprintf("%s__%s", clientID, localPK)
}

// DeltafileValidationError is returned when an uploaded deltafile fails
// schema validation. The offending file never produces a job.
type DeltafileValidationError struct {
	Reason string
}

func (e *DeltafileValidationError) Error() string {
	return "deltafile validation failed: " + e.Reason
}

// ParseDeltafile decodes and validates a raw deltafile document.
func ParseDeltafile(raw []byte) (*Deltafile, error) {
	var df Deltafile
	if err := json.Unmarshal(raw, &df); err != nil {
		return nil, &DeltafileValidationError{Reason: err.Error()}
	}
	if err := df.Validate(); err != nil {
		return nil, err
	}
	return &df, nil
}

// Validate checks the structural invariants of a deltafile.
func (df *Deltafile) Validate() error {
	if df.ID == uuid.Nil {
		return &DeltafileValidationError{Reason: `missing "id"`}
	}
	if df.ProjectID == uuid.Nil {
		return &DeltafileValidationError{Reason: `missing "project"`}
	}
	if df.Version != DeltafileVersion {
		return &DeltafileValidationError{
			Reason: fmt.Sprintf("unsupported version %q, expected %q", df.Version, DeltafileVersion),
		}
	}
	if len(df.Deltas) == 0 {
		return &DeltafileValidationError{Reason: `"deltas" must not be empty`}
	}
	for i, d := range df.Deltas {
		if d.UUID == uuid.Nil {
			return &DeltafileValidationError{Reason: fmt.Sprintf(`delta %d: missing "uuid"`, i)}
		}
		if d.ClientID == uuid.Nil {
			return &DeltafileValidationError{Reason: fmt.Sprintf(`delta %d: missing "clientId"`, i)}
		}
		switch d.Method {
		case DeltaMethodCreate, DeltaMethodPatch, DeltaMethodDelete:
		default:
			return &DeltafileValidationError{
				Reason: fmt.Sprintf("delta %d: unknown method %q", i, d.Method),
			}
		}
		if d.SourceLayerID == "" {
			return &DeltafileValidationError{Reason: fmt.Sprintf(`delta %d: missing "sourceLayerId"`, i)}
		}
		if d.Method != DeltaMethodCreate && d.Old == nil {
			return &DeltafileValidationError{
				Reason: fmt.Sprintf(`delta %d: %s requires an "old" state`, i, d.Method),
			}
		}
		if d.Method != DeltaMethodDelete && d.New == nil {
			return &DeltafileValidationError{
				Reason: fmt.Sprintf(`delta %d: %s requires a "new" state`, i, d.Method),
			}
		}
	}
	return nil
}
