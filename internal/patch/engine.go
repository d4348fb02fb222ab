package patch

import (
	"sync"

	"github.com/kvit-s/kvit-workspace/internal/logging"
	"github.com/kvit-s/kvit-workspace/internal/workspace"
)

// Store is the durable-storage collaborator the engine persists through.
// Implementations must support saving the full change set with its status
// and updating the status in place.
type Store interface {
	SaveChangeSet(cs *ChangeSet) error
	UpdateChangeSetStatus(id string, status Status) error
}

// Engine owns the live registry of pending change sets. A change set stays
// in the registry until it resolves (applied, failed or discarded), then
// only its terminal record remains in storage. One engine per open
// workspace session; the registry is never package-global.
type Engine struct {
	mu      sync.Mutex
	pending map[string]*ChangeSet
	svc     *workspace.Service
	store   Store
	log     *logging.Logger
}

// NewEngine creates an engine with an empty pending registry.
func NewEngine(svc *workspace.Service, store Store, log *logging.Logger) *Engine {
	return &Engine{
		pending: make(map[string]*ChangeSet),
		svc:     svc,
		store:   store,
		log:     log,
	}
}

// Register validates a change set, inserts it into the pending registry
// and persists it in pending status. Re-registration with the same id
// overwrites the prior pending entry.
func (e *Engine) Register(cs *ChangeSet) error {
	if cs == nil || cs.ID == "" {
		return workspace.NewError(workspace.KindInvalidInput, "change set must have an id")
	}
	if cs.SessionID == "" {
		return workspace.NewError(workspace.KindInvalidInput, "change set must have a session id")
	}
	if cs.Status == "" {
		cs.Status = StatusPending
	}
	if cs.Status != StatusPending {
		return workspace.Errorf(workspace.KindInvalidInput,
			"cannot register change set in terminal status %q", cs.Status)
	}
	for _, fp := range cs.Files {
		if fp.Path == "" {
			return workspace.NewError(workspace.KindInvalidInput, "file patch missing path")
		}
	}

	e.mu.Lock()
	e.pending[cs.ID] = cs
	e.mu.Unlock()

	if err := e.store.SaveChangeSet(cs); err != nil {
		return workspace.WrapError(workspace.KindStorage, "failed to persist change set", err)
	}
	return nil
}

// Apply writes the selected files of a pending change set in their
// original order. selected == nil means every file in the set.
//
// The first file that fails (precondition mismatch or I/O error) aborts
// the whole apply: the set transitions to failed, files already written in
// this call stay written, and files not yet processed stay untouched.
// There is deliberately no rollback; partial application is visible, not
// hidden.
func (e *Engine) Apply(id string, selected []string) (*ApplyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.pending[id]
	if !ok {
		return nil, workspace.Errorf(workspace.KindPatchApplyFailed,
			"change set %q not found or already resolved", id)
	}

	var selectedSet map[string]bool
	if selected != nil {
		selectedSet = make(map[string]bool, len(selected))
		for _, p := range selected {
			selectedSet[p] = true
		}
	}

	result := &ApplyResult{ChangeSetID: id}
	for _, fp := range cs.Files {
		if selectedSet != nil && !selectedSet[fp.Path] {
			result.SkippedFiles = append(result.SkippedFiles, fp.Path)
			continue
		}

		if err := e.svc.WriteFile(fp.Path, fp.NewContent, fp.ExpectedSHA256); err != nil {
			e.resolveLocked(cs, StatusFailed)
			e.log.ChangeSetResolved(id, string(StatusFailed),
				len(result.AppliedFiles), len(result.SkippedFiles))
			return nil, workspace.WrapError(workspace.KindPatchApplyFailed,
				"failed to apply "+fp.Path, err)
		}
		result.AppliedFiles = append(result.AppliedFiles, fp.Path)
	}

	e.resolveLocked(cs, StatusApplied)
	e.log.ChangeSetResolved(id, string(StatusApplied),
		len(result.AppliedFiles), len(result.SkippedFiles))
	return result, nil
}

// Discard resolves a pending change set without touching the filesystem.
func (e *Engine) Discard(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.pending[id]
	if !ok {
		return workspace.Errorf(workspace.KindPatchApplyFailed,
			"change set %q not found or already resolved", id)
	}

	e.resolveLocked(cs, StatusDiscarded)
	e.log.ChangeSetResolved(id, string(StatusDiscarded), 0, 0)
	return nil
}

// Cache rehydrates the pending registry from persisted change sets, e.g.
// on session reload. Only pending sets enter the registry; terminal sets
// are history and stay out.
func (e *Engine) Cache(sets []*ChangeSet) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cs := range sets {
		if cs == nil || cs.ID == "" || cs.Status != StatusPending {
			continue
		}
		e.pending[cs.ID] = cs
	}
}

// Pending returns a snapshot of the live registry.
func (e *Engine) Pending() []*ChangeSet {
	e.mu.Lock()
	defer e.mu.Unlock()

	sets := make([]*ChangeSet, 0, len(e.pending))
	for _, cs := range e.pending {
		sets = append(sets, cs)
	}
	return sets
}

// Get returns a pending change set by id.
func (e *Engine) Get(id string) (*ChangeSet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.pending[id]
	return cs, ok
}

// resolveLocked moves a change set to a terminal status, evicts it from
// the live registry and persists the terminal record. Storage failures on
// the status update are logged, not returned; the in-memory transition
// already happened and must not be undone.
func (e *Engine) resolveLocked(cs *ChangeSet, status Status) {
	cs.Status = status
	delete(e.pending, cs.ID)

	if err := e.store.UpdateChangeSetStatus(cs.ID, status); err != nil {
		e.log.Error("failed to persist change set status", err)
	}
}
