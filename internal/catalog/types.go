// File path: internal/catalog/types.go
package catalog

import (
	"database/sql"
	"time"
)

// Collection is a source git repository containing codebundles.
type Collection struct {
	ID        int64     `db:"id"`
	Slug      string    `db:"slug"`
	Name      string    `db:"name"`
	RepoURL   string    `db:"repo_url"`
	Ref       string    `db:"ref"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RawFile is one file captured from a collection snapshot. The parser flips
// Processed once it has consumed the file; rows are only removed during an
// explicit reconcile.
type RawFile struct {
	ID           int64     `db:"id"`
	CollectionID int64     `db:"collection_id"`
	Path         string    `db:"path"`
	Content      string    `db:"content"`
	FileKind     string    `db:"file_kind"`
	Processed    bool      `db:"processed"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// bundleRow is the persisted shape of a codebundle. Slice and struct fields
// are stored as JSON text columns; mapper.go converts to bundle.Bundle.
type bundleRow struct {
	ID                  int64          `db:"id"`
	CollectionID        int64          `db:"collection_id"`
	Slug                string         `db:"slug"`
	DisplayName         string         `db:"display_name"`
	Description         string         `db:"description"`
	DocText             string         `db:"doc_text"`
	ReadmeText          string         `db:"readme_text"`
	Author              string         `db:"author"`
	Tags                string         `db:"tags"`
	SupportTags         string         `db:"support_tags"`
	Tasks               string         `db:"tasks"`
	Imports             string         `db:"imports"`
	UserVariables       string         `db:"user_variables"`
	Discovery           sql.NullString `db:"discovery"`
	EnhancedDescription string         `db:"enhanced_description"`
	AccessLevel         string         `db:"access_level"`
	IAMRequirements     string         `db:"iam_requirements"`
	EnhancementStatus   string         `db:"enhancement_status"`
	IsActive            bool           `db:"is_active"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

// EnhancementRecord is one append-only audit row for an enhancement attempt.
// The raw request and response are preserved for later review and manual
// override.
type EnhancementRecord struct {
	ID              int64     `db:"id"`
	CodeBundleID    int64     `db:"codebundle_id"`
	Status          string    `db:"status"`
	Prompt          string    `db:"prompt"`
	RawResponse     string    `db:"raw_response"`
	EnhancedDesc    string    `db:"enhanced_description"`
	AccessLevel     string    `db:"access_level"`
	IAMRequirements string    `db:"iam_requirements"`
	ModelUsed       string    `db:"model_used"`
	ProcessingMS    int64     `db:"processing_ms"`
	ErrorText       string    `db:"error_text"`
	CreatedAt       time.Time `db:"created_at"`
}

// RunRow persists a pipeline run for the execution tracker.
type RunRow struct {
	RunID       string         `db:"run_id"`
	TaskName    string         `db:"task_name"`
	TaskKind    string         `db:"task_kind"`
	Status      string         `db:"status"`
	StepIndex   int            `db:"step_index"`
	StepTotal   int            `db:"step_total"`
	StepMessage string         `db:"step_message"`
	Result      string         `db:"result"`
	ErrorText   string         `db:"error_text"`
	TriggeredBy string         `db:"triggered_by"`
	Parameters  string         `db:"parameters"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	DurationMS  sql.NullInt64  `db:"duration_ms"`
	CreatedAt   time.Time      `db:"created_at"`
}
