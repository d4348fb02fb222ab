package command

import (
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kvit-s/kvit-workspace/internal/config"
	"github.com/kvit-s/kvit-workspace/internal/logging"
	"github.com/kvit-s/kvit-workspace/internal/workspace"
)

// Decision is the proposal state machine: a proposal is pending until an
// explicit confirmation approves it. There is no denied state; an
// unapproved proposal simply never runs.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
)

// Proposal is a request to execute a shell command, gated by explicit
// confirmation. Cwd is stored workspace-relative and re-validated against
// the current root at run time.
type Proposal struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Command   string    `json:"command"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"created_at"`
	Decision  Decision  `json:"decision"`
}

// RunRecord is the persisted fact that a confirmed command was launched.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	ProposalID string    `json:"proposal_id"`
	SessionID  string    `json:"session_id"`
	Command    string    `json:"command"`
	Cwd        string    `json:"cwd"`
	StartedAt  time.Time `json:"started_at"`
}

// Run is the handle returned by a launched command. The process streams
// events through the broker until it exits; there is no kill or timeout.
type Run struct {
	ID         string
	ProposalID string
	StartedAt  time.Time

	seq  atomic.Int64
	done chan struct{}
}

// Wait blocks until the run's process has exited and its exit event was
// published.
func (r *Run) Wait() {
	<-r.done
}

// Store is the durable-storage collaborator for proposals, runs and
// output events.
type Store interface {
	SaveProposal(p *Proposal) error
	SaveRun(r *RunRecord) error
	AppendRunEvent(ev RunEvent) error
}

// dangerousCommands are rejected at proposal time regardless of
// configuration.
var dangerousCommands = []string{
	"sudo ",
	"rm -rf /",
	"rm -rf ~",
	"shutdown",
	"reboot",
	"mkfs",
	"dd if=",
}

// Policy owns the in-memory proposal registry and the confirm-then-run
// gate. One policy per open workspace session.
type Policy struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	svc       *workspace.Service
	cfg       config.CommandConfig
	store     Store
	log       *logging.Logger
	broker    *Broker
}

// NewPolicy creates a policy with an empty proposal registry.
func NewPolicy(svc *workspace.Service, cfg config.CommandConfig, store Store, log *logging.Logger) *Policy {
	return &Policy{
		proposals: make(map[string]*Proposal),
		svc:       svc,
		cfg:       cfg,
		store:     store,
		log:       log,
		broker:    NewBroker(),
	}
}

// Broker exposes the run-event broker for subscribers.
func (p *Policy) Broker() *Broker {
	return p.broker
}

// Request validates a command and working directory and records a pending
// proposal. Nothing is executed.
func (p *Policy) Request(sessionID, command, cwd string) (*Proposal, error) {
	if sessionID == "" {
		return nil, workspace.NewError(workspace.KindInvalidInput, "session id must not be empty")
	}
	if strings.TrimSpace(command) == "" {
		return nil, workspace.NewError(workspace.KindInvalidInput, "command must not be empty")
	}

	sandbox, err := p.svc.Sandbox()
	if err != nil {
		return nil, err
	}

	if cwd == "" {
		cwd = "."
	}
	absCwd, err := sandbox.Resolve(cwd, true)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absCwd)
	if err != nil {
		return nil, workspace.WrapError(workspace.KindFileNotFound, "working directory does not exist: "+cwd, err)
	}
	if !info.IsDir() {
		return nil, workspace.Errorf(workspace.KindInvalidInput, "working directory %q is not a directory", cwd)
	}

	if err := p.validateCommand(command); err != nil {
		return nil, err
	}

	proposal := &Proposal{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Command:   command,
		Cwd:       sandbox.Rel(absCwd),
		CreatedAt: time.Now(),
		Decision:  DecisionPending,
	}

	p.mu.Lock()
	p.proposals[proposal.ID] = proposal
	p.mu.Unlock()

	if err := p.store.SaveProposal(proposal); err != nil {
		return nil, workspace.WrapError(workspace.KindStorage, "failed to persist proposal", err)
	}
	return proposal, nil
}

// Run launches a proposed command. confirmed must be literally true; any
// other value is rejected before the proposal table is even consulted.
// The stored working directory is re-validated against the current
// workspace root, which may have changed since the proposal was made.
// Run returns immediately; output streams through the broker until the
// process exits.
func (p *Policy) Run(proposalID string, confirmed bool) (*Run, error) {
	if !confirmed {
		return nil, workspace.NewError(workspace.KindCommandDenied,
			"command execution requires explicit confirmation")
	}

	p.mu.Lock()
	proposal, ok := p.proposals[proposalID]
	p.mu.Unlock()
	if !ok {
		return nil, workspace.Errorf(workspace.KindCommandNotFound, "unknown proposal %q", proposalID)
	}

	sandbox, err := p.svc.Sandbox()
	if err != nil {
		return nil, err
	}
	absCwd, err := sandbox.Resolve(proposal.Cwd, true)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absCwd)
	if err != nil || !info.IsDir() {
		return nil, workspace.Errorf(workspace.KindInvalidInput,
			"working directory %q is no longer valid", proposal.Cwd)
	}

	p.mu.Lock()
	proposal.Decision = DecisionApproved
	p.mu.Unlock()

	run := &Run{
		ID:         uuid.NewString(),
		ProposalID: proposal.ID,
		StartedAt:  time.Now(),
		done:       make(chan struct{}),
	}

	record := &RunRecord{
		RunID:      run.ID,
		ProposalID: proposal.ID,
		SessionID:  proposal.SessionID,
		Command:    proposal.Command,
		Cwd:        proposal.Cwd,
		StartedAt:  run.StartedAt,
	}
	if err := p.store.SaveRun(record); err != nil {
		return nil, workspace.WrapError(workspace.KindStorage, "failed to persist run", err)
	}

	cmd := exec.Command(p.cfg.Shell, "-c", proposal.Command)
	cmd.Dir = absCwd
	// New process group so children die with the command if the host
	// ever signals the group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, workspace.WrapError(workspace.KindCommandExecutionFailed, "failed to open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, workspace.WrapError(workspace.KindCommandExecutionFailed, "failed to open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, workspace.WrapError(workspace.KindCommandExecutionFailed, "failed to start command", err)
	}

	p.log.CommandRun(proposal.ID, run.ID, proposal.Cwd)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go p.pump(run, EventStdout, stdout, &pumps)
	go p.pump(run, EventStderr, stderr, &pumps)

	go func() {
		// Both streams must drain before Wait, and the exit event is
		// always the last event for the run.
		pumps.Wait()

		exitCode := 0
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
				p.log.Error("command wait failed", err)
			}
		}

		p.emit(run, RunEvent{
			RunID:    run.ID,
			Type:     EventExit,
			ExitCode: exitCode,
			Time:     time.Now(),
		})
		p.log.CommandExited(run.ID, exitCode, time.Since(run.StartedAt))
		close(run.done)
	}()

	return run, nil
}

// Get returns a proposal by id.
func (p *Policy) Get(id string) (*Proposal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proposal, ok := p.proposals[id]
	return proposal, ok
}

// pump reads one output stream in chunks and emits an event per chunk in
// arrival order.
func (p *Policy) pump(run *Run, typ EventType, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.emit(run, RunEvent{
				RunID: run.ID,
				Type:  typ,
				Data:  string(buf[:n]),
				Time:  time.Now(),
			})
		}
		if err != nil {
			return
		}
	}
}

// emit assigns the run-local sequence number, publishes the event and
// persists it. Storage failures are logged; the stream itself keeps
// flowing.
func (p *Policy) emit(run *Run, ev RunEvent) {
	ev.Seq = run.seq.Add(1)
	p.broker.Publish(ev)
	if err := p.store.AppendRunEvent(ev); err != nil {
		p.log.Error("failed to persist run event", err)
	}
}

// validateCommand applies the built-in dangerous-command blocklist and the
// configured allow/deny prefixes. The command's content is not otherwise
// inspected; explicit confirmation is the real authorization gate.
func (p *Policy) validateCommand(command string) error {
	lower := strings.ToLower(command)
	for _, danger := range dangerousCommands {
		if strings.Contains(lower, danger) {
			return workspace.Errorf(workspace.KindCommandDenied,
				"command contains blocked pattern %q", strings.TrimSpace(danger))
		}
	}

	if len(p.cfg.AllowedCommands) > 0 {
		allowed := false
		for _, prefix := range p.cfg.AllowedCommands {
			if strings.HasPrefix(command, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return workspace.Errorf(workspace.KindCommandDenied, "command not in allowlist: %s", command)
		}
	}

	for _, prefix := range p.cfg.DisallowedCommands {
		if strings.HasPrefix(command, prefix) {
			return workspace.Errorf(workspace.KindCommandDenied, "command in blocklist: %s", prefix)
		}
	}
	return nil
}
