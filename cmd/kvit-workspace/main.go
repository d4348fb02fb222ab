package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/eiannone/keyboard"
	"github.com/fatih/color"

	"github.com/kvit-s/kvit-workspace/internal/command"
	"github.com/kvit-s/kvit-workspace/internal/config"
	"github.com/kvit-s/kvit-workspace/internal/logging"
	"github.com/kvit-s/kvit-workspace/internal/patch"
	"github.com/kvit-s/kvit-workspace/internal/store"
	"github.com/kvit-s/kvit-workspace/internal/workspace"
)

// Version info set by ldflags at build time
var (
	version   = "dev"
	buildDate = "unknown"
)

const usage = `kvit-workspace - sandboxed workspace and change-set engine

Usage: kvit-workspace [flags] <command> [args]

Commands:
  tree [path]          List the workspace tree (depth via -depth)
  read <path>          Print a file with its fingerprint
  write <path> [file]  Write a file from an argument file or stdin
  preview <file.json>  Render unified diffs for a change-set file
  apply <file.json>    Register and apply a change-set file
  apply-id <id>        Apply a previously registered pending change set
  discard <id>         Discard a pending change set
  pending              List pending change sets for the session
  exec <command>       Propose a shell command, confirm, and run it
`

func main() {
	configPath := flag.String("config", "kvit-workspace.yaml", "path to config file")
	rootFlag := flag.String("C", "", "workspace root to open (default: config root or cwd)")
	sessionID := flag.String("s", "default", "session id for persistence")
	depth := flag.Int("depth", 0, "tree depth (0 = config default)")
	expect := flag.String("expect", "", "expected fingerprint precondition for write")
	files := flag.String("files", "", "comma-separated subset of files to apply")
	cwd := flag.String("cwd", ".", "working directory for exec, workspace-relative")
	yes := flag.Bool("yes", false, "skip the interactive confirmation for exec")
	showVersion := flag.Bool("version", false, "show version information and exit")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (%s)\n", version, buildDate)
		return
	}

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Logging)
	defer logger.Close()

	svc := workspace.NewService(cfg, logger)

	root := *rootFlag
	if root == "" {
		root = cfg.Workspace.Root
	}
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			log.Fatalf("Failed to determine working directory: %v", err)
		}
	}
	if _, err := svc.Open(root); err != nil {
		fatal(err)
	}

	db, err := store.NewJSONL(cfg.Store.BaseDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	engine := patch.NewEngine(svc, db, logger)
	policy := command.NewPolicy(svc, cfg.Command, db, logger)

	app := &app{
		cfg:       cfg,
		svc:       svc,
		db:        db,
		engine:    engine,
		policy:    policy,
		sessionID: *sessionID,
	}

	args := flag.Args()
	switch args[0] {
	case "tree":
		err = app.tree(argOr(args, 1, "."), *depth)
	case "read":
		err = app.read(requireArg(args, 1, "read <path>"))
	case "write":
		err = app.write(requireArg(args, 1, "write <path> [file]"), argOr(args, 2, "-"), *expect)
	case "preview":
		err = app.preview(requireArg(args, 1, "preview <file.json>"))
	case "apply":
		err = app.applyFile(requireArg(args, 1, "apply <file.json>"), splitFiles(*files))
	case "apply-id":
		err = app.applyID(requireArg(args, 1, "apply-id <id>"), splitFiles(*files))
	case "discard":
		err = app.discard(requireArg(args, 1, "discard <id>"))
	case "pending":
		err = app.pending()
	case "exec":
		err = app.exec(strings.Join(args[1:], " "), *cwd, *yes)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

type app struct {
	cfg       *config.Config
	svc       *workspace.Service
	db        *store.JSONL
	engine    *patch.Engine
	policy    *command.Policy
	sessionID string
}

func (a *app) tree(path string, depth int) error {
	nodes, err := a.svc.ListTree(path, depth)
	if err != nil {
		return err
	}
	printTree(nodes, 0)
	return nil
}

func printTree(nodes []workspace.FileNode, indent int) {
	dirColor := color.New(color.FgBlue, color.Bold)
	prefix := strings.Repeat("  ", indent)
	for _, n := range nodes {
		if n.Type == workspace.NodeDirectory {
			dirColor.Printf("%s%s/\n", prefix, n.Name)
			printTree(n.Children, indent+1)
		} else {
			fmt.Printf("%s%s (%d bytes)\n", prefix, n.Name, n.Size)
		}
	}
}

func (a *app) read(path string) error {
	fc, err := a.svc.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "fingerprint: %s\n", fc.Fingerprint)
	fmt.Print(fc.Content)
	return nil
}

func (a *app) write(path, source, expected string) error {
	var content []byte
	var err error
	if source == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(source)
	}
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}

	if err := a.svc.WriteFile(path, string(content), expected); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes)\n", path, len(content))
	return nil
}

func (a *app) preview(file string) error {
	cs, err := loadChangeSet(file, a.sessionID)
	if err != nil {
		return err
	}
	diffs, err := patch.Preview(cs.Files)
	if err != nil {
		return err
	}
	printDiffs(diffs)
	return nil
}

func printDiffs(diffs []patch.FileDiff) {
	add := color.New(color.FgGreen)
	del := color.New(color.FgRed)
	head := color.New(color.FgCyan)
	for _, d := range diffs {
		if d.Diff == "" {
			fmt.Printf("%s: no changes\n", d.Path)
			continue
		}
		for _, line := range strings.Split(d.Diff, "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				add.Println(line)
			case strings.HasPrefix(line, "-"):
				del.Println(line)
			case strings.HasPrefix(line, "@@"):
				head.Println(line)
			default:
				fmt.Println(line)
			}
		}
	}
}

func (a *app) applyFile(file string, selected []string) error {
	cs, err := loadChangeSet(file, a.sessionID)
	if err != nil {
		return err
	}
	if err := a.engine.Register(cs); err != nil {
		return err
	}
	return a.apply(cs.ID, selected)
}

func (a *app) applyID(id string, selected []string) error {
	if err := a.rehydrate(); err != nil {
		return err
	}
	return a.apply(id, selected)
}

func (a *app) apply(id string, selected []string) error {
	result, err := a.engine.Apply(id, selected)
	if err != nil {
		return err
	}
	for _, f := range result.AppliedFiles {
		fmt.Printf("applied  %s\n", f)
	}
	for _, f := range result.SkippedFiles {
		fmt.Printf("skipped  %s\n", f)
	}
	return nil
}

func (a *app) discard(id string) error {
	if err := a.rehydrate(); err != nil {
		return err
	}
	if err := a.engine.Discard(id); err != nil {
		return err
	}
	fmt.Printf("discarded %s\n", id)
	return nil
}

func (a *app) pending() error {
	if err := a.rehydrate(); err != nil {
		return err
	}
	sets := a.engine.Pending()
	if len(sets) == 0 {
		fmt.Println("no pending change sets")
		return nil
	}
	for _, cs := range sets {
		fmt.Printf("%s  %s  (%d files, %s)\n", cs.ID, cs.Summary, len(cs.Files), cs.Source)
	}
	return nil
}

// rehydrate loads the session's still-pending change sets into the live
// registry, so apply-id/discard work across CLI invocations.
func (a *app) rehydrate() error {
	sets, err := a.db.PendingChangeSets(a.sessionID)
	if err != nil {
		return err
	}
	a.engine.Cache(sets)
	return nil
}

func (a *app) exec(cmdText, cwd string, preConfirmed bool) error {
	if strings.TrimSpace(cmdText) == "" {
		return fmt.Errorf("exec requires a command")
	}

	proposal, err := a.policy.Request(a.sessionID, cmdText, cwd)
	if err != nil {
		return err
	}

	confirmed := preConfirmed
	if !confirmed {
		confirmed, err = confirmKeypress(proposal)
		if err != nil {
			return err
		}
	}

	run, err := a.policy.Run(proposal.ID, confirmed)
	if err != nil {
		return err
	}

	events, cancel := a.policy.Broker().Subscribe(run.ID)

	type streamResult struct {
		exitCode int
		sawExit  bool
	}
	drained := make(chan streamResult, 1)
	go func() {
		var res streamResult
		for ev := range events {
			switch ev.Type {
			case command.EventStdout:
				fmt.Print(ev.Data)
			case command.EventStderr:
				fmt.Fprint(os.Stderr, ev.Data)
			case command.EventExit:
				res.exitCode = ev.ExitCode
				res.sawExit = true
			}
		}
		drained <- res
	}()

	run.Wait()
	cancel()
	res := <-drained

	if !res.sawExit {
		// Subscribed after the process already exited; the event log has
		// the exit code.
		if evs, err := a.db.ListRunEvents(run.ID); err == nil {
			for _, ev := range evs {
				if ev.Type == command.EventExit {
					res.exitCode = ev.ExitCode
				}
			}
		}
	}

	if res.exitCode != 0 {
		os.Exit(res.exitCode)
	}
	return nil
}

// confirmKeypress asks for a single y/N keypress before a command may run.
func confirmKeypress(p *command.Proposal) (bool, error) {
	fmt.Printf("run %q in %s? [y/N] ", p.Command, p.Cwd)
	if err := keyboard.Open(); err != nil {
		// No TTY; fall back to denying rather than assuming consent.
		fmt.Println("(no terminal; pass -yes to confirm)")
		return false, nil
	}
	defer keyboard.Close()

	char, key, err := keyboard.GetKey()
	if err != nil {
		return false, err
	}
	fmt.Println()
	if key == keyboard.KeyCtrlC || key == keyboard.KeyEsc {
		return false, nil
	}
	return char == 'y' || char == 'Y', nil
}

// loadChangeSet reads a change-set JSON file. Raw agent output is also
// accepted: it is parsed defensively and rejected if it turns out to be a
// plain message.
func loadChangeSet(file, sessionID string) (*patch.ChangeSet, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read change-set file: %w", err)
	}

	var cs patch.ChangeSet
	if err := json.Unmarshal(data, &cs); err == nil && cs.ID != "" && len(cs.Files) > 0 {
		if cs.SessionID == "" {
			cs.SessionID = sessionID
		}
		return &cs, nil
	}

	proposal := patch.ParseProposal(string(data))
	if proposal.Kind != patch.ProposalPatch {
		return nil, fmt.Errorf("%s does not contain a change set or patch proposal", file)
	}
	return patch.NewChangeSet(sessionID, patch.SourceAgent, proposal.Summary, proposal.Files), nil
}

func splitFiles(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func argOr(args []string, i int, def string) string {
	if len(args) > i {
		return args[i]
	}
	return def
}

func requireArg(args []string, i int, usage string) string {
	if len(args) <= i {
		fmt.Fprintf(os.Stderr, "Usage: kvit-workspace %s\n", usage)
		os.Exit(2)
	}
	return args[i]
}

func fatal(err error) {
	var we *workspace.Error
	if errors.As(err, &we) {
		data, _ := json.MarshalIndent(we.ToJSON(), "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
