package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType selects which workflow a worker runs for the job.
type JobType string

const (
	JobTypePackage            JobType = "package"
	JobTypeDeltaApply         JobType = "delta_apply"
	JobTypeProcessProjectfile JobType = "process_projectfile"
)

// JobStatus is the job state machine. Valid transitions are
// pending -> queued -> started -> finished|failed; nothing else.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusQueued   JobStatus = "queued"
	JobStatusStarted  JobStatus = "started"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"
)

// IsActive reports whether a job in this status occupies its project's
// single execution slot.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusStarted
}

// IsTerminal reports whether the job is immutable except for cleanup.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed
}

// Job is one queued unit of background work tied to exactly one project.
type Job struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Type       JobType    `db:"type" json:"type"`
	Status     JobStatus  `db:"status" json:"status"`
	ProjectID  uuid.UUID  `db:"project_id" json:"projectId"`
	CreatedBy  uuid.UUID  `db:"created_by" json:"createdBy"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
	StartedAt  *time.Time `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finishedAt,omitempty"`

	// Combined stdout/stderr of the worker container.
	Output string `db:"output" json:"output,omitempty"`
	// Structured result document written by the worker, see Feedback.
	Feedback json.RawMessage `db:"feedback" json:"feedback,omitempty"`

	// ContainerID is set once the isolation unit has been created, and is
	// what the orphan reaper matches live containers against.
	ContainerID string `db:"container_id" json:"-"`

	// Delta apply jobs only.
	OverwriteConflicts bool `db:"overwrite_conflicts" json:"overwriteConflicts,omitempty"`
}

// DeltaStatus is the per-delta lifecycle, independent of the status of the
// job that applied it.
type DeltaStatus string

const (
	DeltaStatusPending     DeltaStatus = "pending"
	DeltaStatusStarted     DeltaStatus = "started"
	DeltaStatusApplied     DeltaStatus = "applied"
	DeltaStatusConflict    DeltaStatus = "conflict"
	DeltaStatusNotApplied  DeltaStatus = "not_applied"
	DeltaStatusError       DeltaStatus = "error"
	DeltaStatusIgnored     DeltaStatus = "ignored"
	DeltaStatusUnpermitted DeltaStatus = "unpermitted"
)

// Delta is one proposed edit to a single feature, submitted as part of a
// deltafile batch. The id is client-supplied and permanent; resubmitting the
// same id with identical content is an idempotent no-op.
type Delta struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	DeltafileID uuid.UUID       `db:"deltafile_id" json:"deltafileId"`
	ProjectID   uuid.UUID       `db:"project_id" json:"projectId"`
	ClientID    uuid.UUID       `db:"client_id" json:"clientId"`
	Content     json.RawMessage `db:"content" json:"content"`
	ContentSHA  string          `db:"content_sha256" json:"-"`
	CreatedBy   uuid.UUID       `db:"created_by" json:"createdBy"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updatedAt"`

	LastStatus   DeltaStatus     `db:"last_status" json:"lastStatus"`
	LastFeedback json.RawMessage `db:"last_feedback" json:"lastFeedback,omitempty"`
	// The authoritative primary key the feature has after a successful
	// apply. Later deltas referencing the same clientId/localPk resolve
	// through this value.
	LastModifiedPK *string `db:"last_modified_pk" json:"lastModifiedPk,omitempty"`
}

// Project carries the minimal project state the queue core needs. The full
// project model is owned by the API layer.
type Project struct {
	ID      uuid.UUID `db:"id" json:"id"`
	OwnerID uuid.UUID `db:"owner_id" json:"ownerId"`
	// Administrative lock, e.g. mid storage migration. Pending jobs of a
	// locked project are never claimed.
	IsLocked           bool   `db:"is_locked" json:"isLocked"`
	QGISFileName       string `db:"qgis_file_name" json:"qgisFileName"`
	OverwriteConflicts bool   `db:"overwrite_conflicts" json:"overwriteConflicts"`

	ProjectDetails     json.RawMessage `db:"project_details" json:"projectDetails,omitempty"`
	ThumbnailURI       string          `db:"thumbnail_uri" json:"thumbnailUri,omitempty"`
	DataLastPackagedAt *time.Time      `db:"data_last_packaged_at" json:"dataLastPackagedAt,omitempty"`
	DataLastUpdatedAt  *time.Time      `db:"data_last_updated_at" json:"dataLastUpdatedAt,omitempty"`
}

// SecretType distinguishes how a project secret is materialized inside the
// worker environment.
type SecretType string

const (
	// Injected verbatim as an environment variable.
	SecretTypeEnvvar SecretType = "envvar"
	// Concatenated into the PGSERVICE_FILE_CONTENTS environment variable.
	SecretTypePGService SecretType = "pgservice"
)

// Secret is a named credential scoped to a project or an organization,
// optionally assigned to a single user. Resolution is most-specific-wins:
// user+project > project > user+organization > organization.
type Secret struct {
	ID             uuid.UUID  `db:"id"`
	Name           string     `db:"name"`
	Type           SecretType `db:"type"`
	Value          string     `db:"value"`
	ProjectID      *uuid.UUID `db:"project_id"`
	OrganizationID *uuid.UUID `db:"organization_id"`
	AssignedTo     *uuid.UUID `db:"assigned_to"`
}

// JobRequest is the incoming API payload before DB persistence.
type JobRequest struct {
	Type               JobType   `json:"type"`
	ProjectID          uuid.UUID `json:"projectId"`
	CreatedBy          uuid.UUID `json:"createdBy"`
	OverwriteConflicts bool      `json:"overwriteConflicts,omitempty"`
}
