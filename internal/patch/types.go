// Package patch represents proposed multi-file edits as change sets and
// applies them through the sandboxed workspace service.
package patch

import (
	"time"

	"github.com/google/uuid"
)

// Source records who proposed a change set.
type Source string

const (
	SourceAgent  Source = "agent"
	SourceManual Source = "manual"
)

// Status is the change-set state machine. pending is the only live state;
// applied, failed and discarded are terminal and never left.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApplied   Status = "applied"
	StatusFailed    Status = "failed"
	StatusDiscarded Status = "discarded"
)

// Terminal reports whether a status can never transition again.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusFailed || s == StatusDiscarded
}

// FilePatch is one file's proposed change within a change set. Path is
// workspace-relative. When ExpectedSHA256 is set it must equal the current
// on-disk fingerprint at apply time or the file's apply is rejected.
type FilePatch struct {
	Path            string `json:"path"`
	OriginalContent string `json:"original_content"`
	NewContent      string `json:"new_content"`
	ExpectedSHA256  string `json:"expected_sha256,omitempty"`
}

// ChangeSet is a proposed, reviewable, atomically-resolved group of file
// edits plus the ids of any associated command proposals.
type ChangeSet struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Source     Source      `json:"source"`
	Summary    string      `json:"summary"`
	CreatedAt  time.Time   `json:"created_at"`
	Status     Status      `json:"status"`
	Files      []FilePatch `json:"files"`
	CommandIDs []string    `json:"command_ids,omitempty"`
}

// NewChangeSet builds a pending change set with a fresh id.
func NewChangeSet(sessionID string, source Source, summary string, files []FilePatch) *ChangeSet {
	return &ChangeSet{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Source:    source,
		Summary:   summary,
		CreatedAt: time.Now(),
		Status:    StatusPending,
		Files:     files,
	}
}

// ApplyResult reports which files an apply call wrote and which it left
// untouched because they were not selected.
type ApplyResult struct {
	ChangeSetID  string   `json:"change_set_id"`
	AppliedFiles []string `json:"applied_files"`
	SkippedFiles []string `json:"skipped_files"`
}

// FileDiff is a unified-diff rendering of one file patch.
type FileDiff struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}
