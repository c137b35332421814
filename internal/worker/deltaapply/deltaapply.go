// Package deltaapply is the conflict resolver of the apply-delta workflow:
// it decides, per delta, whether a proposed feature edit applies cleanly to
// the current authoritative data.
package deltaapply

import (
	"errors"
	"fmt"

	"github.com/opengisch/fieldq/internal/logger"
	"github.com/opengisch/fieldq/model"
)

// Feature is a layer feature as the store sees it.
type Feature struct {
	PK         string
	Geometry   *string
	Attributes map[string]any
}

// FeatureStore is the mutable view of a project's vector data. Create
// returns the server-assigned primary key. Get reports found=false for a
// missing feature without an error.
type FeatureStore interface {
	Get(layerID, pk string) (f *Feature, found bool, err error)
	Create(layerID string, f *Feature) (pk string, err error)
	Update(layerID string, f *Feature) error
	Delete(layerID, pk string) error
}

// ErrLayerNotFound is returned by stores when the target layer is absent.
type ErrLayerNotFound struct {
	LayerID string
}

func (e *ErrLayerNotFound) Error() string {
	return fmt.Sprintf("layer %s not found", e.LayerID)
}

// Applier applies one deltafile batch against a store.
type Applier struct {
	store              FeatureStore
	overwriteConflicts bool
}

func NewApplier(store FeatureStore, overwriteConflicts bool) *Applier {
	return &Applier{store: store, overwriteConflicts: overwriteConflicts}
}

// Apply processes every delta of the batch independently and returns one
// log entry per delta, in order. A delta's failure never aborts the batch.
func (a *Applier) Apply(df *model.Deltafile) []model.DeltaLogEntry {
	// Pks assigned during this batch, so a create-then-patch pair over the
	// same client-local feature resolves within one run.
	localPKs := map[string]string{}
	for key, pk := range df.ClientPKs {
		localPKs[key] = pk
	}

	entries := make([]model.DeltaLogEntry, 0, len(df.Deltas))
	for i, delta := range df.Deltas {
		entry := a.applyOne(i, &delta, df, localPKs)
		if entry.ModifiedPK != nil {
			localPKs[model.ClientPKKey(delta.ClientID, delta.LocalPK)] = *entry.ModifiedPK
		}
		entries = append(entries, entry)
	}
	return entries
}

func (a *Applier) applyOne(index int, delta *model.DeltaContent, df *model.Deltafile, localPKs map[string]string) model.DeltaLogEntry {
	entry := model.DeltaLogEntry{
		DeltafileID: df.ID.String(),
		LayerID:     delta.SourceLayerID,
		DeltaIndex:  index,
		DeltaID:     delta.UUID.String(),
		Method:      delta.Method,
	}

	pk := delta.SourcePK
	if resolved, ok := localPKs[model.ClientPKKey(delta.ClientID, delta.LocalPK)]; ok {
		pk = resolved
	}
	entry.FeaturePK = pk

	var err error
	switch delta.Method {
	case model.DeltaMethodCreate:
		err = a.applyCreate(delta, &entry)
	case model.DeltaMethodPatch:
		err = a.applyPatch(delta, pk, &entry)
	case model.DeltaMethodDelete:
		err = a.applyDelete(delta, pk, &entry)
	default:
		entry.Status = model.DeltaApplyStatusApplyFailed
		entry.Msg = fmt.Sprintf("unknown method %q", delta.Method)
		return entry
	}

	if err != nil {
		logger.Log.Warn().Err(err).Str("delta_id", entry.DeltaID).Msg("delta apply errored")
		var layerErr *ErrLayerNotFound
		if errors.As(err, &layerErr) {
			entry.Status = model.DeltaApplyStatusApplyFailed
			entry.Msg = err.Error()
		} else {
			entry.Status = model.DeltaApplyStatusUnknownError
			entry.Msg = err.Error()
			entry.ProviderErrors = err.Error()
		}
	}
	return entry
}

func (a *Applier) applyCreate(delta *model.DeltaContent, entry *model.DeltaLogEntry) error {
	if delta.New == nil {
		entry.Status = model.DeltaApplyStatusApplyFailed
		entry.Msg = "create delta without new state"
		return nil
	}

	pk, err := a.store.Create(delta.SourceLayerID, &Feature{
		Geometry:   delta.New.Geometry,
		Attributes: delta.New.Attributes,
	})
	if err != nil {
		return err
	}
	entry.Status = model.DeltaApplyStatusApplied
	entry.ModifiedPK = &pk
	entry.Msg = "feature created"
	return nil
}

func (a *Applier) applyPatch(delta *model.DeltaContent, pk string, entry *model.DeltaLogEntry) error {
	current, found, err := a.store.Get(delta.SourceLayerID, pk)
	if err != nil {
		return err
	}
	if !found {
		entry.Status = model.DeltaApplyStatusApplyFailed
		entry.Msg = fmt.Sprintf("feature %s does not exist", pk)
		return nil
	}

	conflicts := compareFeature(delta.Old, current)
	if len(conflicts) > 0 && !a.overwriteConflicts {
		entry.Status = model.DeltaApplyStatusConflict
		entry.Conflicts = conflicts
		entry.Msg = "currently stored state differs from the delta's old state"
		return nil
	}

	patched := &Feature{
		PK:         pk,
		Geometry:   current.Geometry,
		Attributes: map[string]any{},
	}
	for name, value := range current.Attributes {
		patched.Attributes[name] = value
	}
	if delta.New != nil {
		if delta.New.Geometry != nil {
			patched.Geometry = delta.New.Geometry
		}
		for name, value := range delta.New.Attributes {
			patched.Attributes[name] = value
		}
	}
	if err := a.store.Update(delta.SourceLayerID, patched); err != nil {
		return err
	}

	entry.Status = model.DeltaApplyStatusApplied
	entry.ModifiedPK = &pk
	entry.Conflicts = conflicts
	entry.Msg = "feature patched"
	return nil
}

func (a *Applier) applyDelete(delta *model.DeltaContent, pk string, entry *model.DeltaLogEntry) error {
	current, found, err := a.store.Get(delta.SourceLayerID, pk)
	if err != nil {
		return err
	}
	if !found {
		entry.Status = model.DeltaApplyStatusApplyFailed
		entry.Msg = fmt.Sprintf("feature %s does not exist", pk)
		return nil
	}

	conflicts := compareFeature(delta.Old, current)
	if len(conflicts) > 0 && !a.overwriteConflicts {
		entry.Status = model.DeltaApplyStatusConflict
		entry.Conflicts = conflicts
		entry.Msg = "currently stored state differs from the delta's old state"
		return nil
	}

	if err := a.store.Delete(delta.SourceLayerID, pk); err != nil {
		return err
	}
	entry.Status = model.DeltaApplyStatusApplied
	entry.ModifiedPK = &pk
	entry.Conflicts = conflicts
	entry.Msg = "feature deleted"
	return nil
}

// compareFeature reports which parts of the delta's old snapshot disagree
// with the current feature state. Only attributes named in the snapshot are
// compared; an absent snapshot compares clean.
func compareFeature(old *model.DeltaFeature, current *Feature) []string {
	if old == nil {
		return nil
	}

	var conflicts []string
	if old.Geometry != nil {
		switch {
		case current.Geometry == nil:
			conflicts = append(conflicts, "geometry: feature has none")
		case *old.Geometry != *current.Geometry:
			conflicts = append(conflicts, "geometry")
		}
	}
	for name, want := range old.Attributes {
		got, ok := current.Attributes[name]
		if !ok {
			conflicts = append(conflicts, fmt.Sprintf("attribute %s: missing", name))
			continue
		}
		if fmt.Sprintf("%v", want) != fmt.Sprintf("%v", got) {
			conflicts = append(conflicts, fmt.Sprintf("attribute %s", name))
		}
	}
	return conflicts
}
