// Package store persists change sets, command proposals, runs and run
// output events as JSONL files. It is the durable-storage collaborator
// for the patch engine and command policy; the interfaces those packages
// define are the contract, this file-backed implementation is one way to
// satisfy them.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kvit-s/kvit-workspace/internal/command"
	"github.com/kvit-s/kvit-workspace/internal/patch"
)

const (
	changeSetsFile      = "changesets.jsonl"
	changeSetStatusFile = "changeset-status.jsonl"
	proposalsFile       = "proposals.jsonl"
	runsFile            = "runs.jsonl"
	runEventsFile       = "run-events.jsonl"
)

// statusUpdate is the appended record that supersedes a change set's
// status: last update wins when loading.
type statusUpdate struct {
	ID        string       `json:"id"`
	Status    patch.Status `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// JSONL stores records under a base directory, one append-only file per
// record family.
type JSONL struct {
	mu      sync.Mutex
	baseDir string
}

// NewJSONL creates the base directory if needed.
func NewJSONL(baseDir string) (*JSONL, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("store base directory must not be empty")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &JSONL{baseDir: baseDir}, nil
}

// SaveChangeSet appends the full change set record. Re-saving the same id
// supersedes the earlier record on load.
func (s *JSONL) SaveChangeSet(cs *patch.ChangeSet) error {
	return s.appendJSON(changeSetsFile, cs)
}

// UpdateChangeSetStatus records a status transition for a change set.
func (s *JSONL) UpdateChangeSetStatus(id string, status patch.Status) error {
	return s.appendJSON(changeSetStatusFile, statusUpdate{
		ID:        id,
		Status:    status,
		UpdatedAt: time.Now(),
	})
}

// SaveProposal appends a command proposal record.
func (s *JSONL) SaveProposal(p *command.Proposal) error {
	return s.appendJSON(proposalsFile, p)
}

// SaveRun appends a command run record.
func (s *JSONL) SaveRun(r *command.RunRecord) error {
	return s.appendJSON(runsFile, r)
}

// AppendRunEvent appends one output event.
func (s *JSONL) AppendRunEvent(ev command.RunEvent) error {
	return s.appendJSON(runEventsFile, ev)
}

// ListChangeSets returns a session's change sets with their latest status
// applied, ordered by creation time. The latest full record per id wins,
// then status updates are layered on top.
func (s *JSONL) ListChangeSets(sessionID string) ([]*patch.ChangeSet, error) {
	byID := make(map[string]*patch.ChangeSet)
	err := s.scan(changeSetsFile, func(line []byte) error {
		var cs patch.ChangeSet
		if err := json.Unmarshal(line, &cs); err != nil {
			return err
		}
		if cs.SessionID == sessionID {
			copied := cs
			byID[cs.ID] = &copied
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.scan(changeSetStatusFile, func(line []byte) error {
		var upd statusUpdate
		if err := json.Unmarshal(line, &upd); err != nil {
			return err
		}
		if cs, ok := byID[upd.ID]; ok {
			cs.Status = upd.Status
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sets := make([]*patch.ChangeSet, 0, len(byID))
	for _, cs := range byID {
		sets = append(sets, cs)
	}
	sort.Slice(sets, func(i, j int) bool {
		return sets[i].CreatedAt.Before(sets[j].CreatedAt)
	})
	return sets, nil
}

// PendingChangeSets returns only the sets still pending after all status
// updates are applied, ready for Engine.Cache on session reload.
func (s *JSONL) PendingChangeSets(sessionID string) ([]*patch.ChangeSet, error) {
	all, err := s.ListChangeSets(sessionID)
	if err != nil {
		return nil, err
	}
	var pending []*patch.ChangeSet
	for _, cs := range all {
		if cs.Status == patch.StatusPending {
			pending = append(pending, cs)
		}
	}
	return pending, nil
}

// LatestChangeSet returns the most recently created change set for a
// session, or nil if there is none.
func (s *JSONL) LatestChangeSet(sessionID string) (*patch.ChangeSet, error) {
	all, err := s.ListChangeSets(sessionID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[len(all)-1], nil
}

// ListRunEvents returns a run's output events in append order.
func (s *JSONL) ListRunEvents(runID string) ([]command.RunEvent, error) {
	var events []command.RunEvent
	err := s.scan(runEventsFile, func(line []byte) error {
		var ev command.RunEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		if ev.RunID == runID {
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListProposals returns a session's proposals ordered by creation time.
func (s *JSONL) ListProposals(sessionID string) ([]*command.Proposal, error) {
	var proposals []*command.Proposal
	err := s.scan(proposalsFile, func(line []byte) error {
		var p command.Proposal
		if err := json.Unmarshal(line, &p); err != nil {
			return err
		}
		if p.SessionID == sessionID {
			proposals = append(proposals, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].CreatedAt.Before(proposals[j].CreatedAt)
	})
	return proposals, nil
}

func (s *JSONL) appendJSON(file string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.baseDir, file), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (s *JSONL) scan(file string, fn func(line []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.baseDir, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// Change sets embed whole file contents; lines can get large.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 64*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := fn([]byte(line)); err != nil {
			return fmt.Errorf("failed to parse record in %s: %w", file, err)
		}
	}
	return scanner.Err()
}
