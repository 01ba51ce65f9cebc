package spawner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/cliorchestrator/kernel/internal/agenttype"
	"github.com/cliorchestrator/kernel/internal/usage"
	"github.com/google/uuid"
)

// ErrNotFound is returned when an agent id has no matching record.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "spawner: agent not found" }

// Publisher is the narrow event-emission surface the spawner needs.
type Publisher interface {
	PublishAgentEvent(topic, agentID string, payload map[string]interface{})
}

// UsageTracker is the narrow slice of the Usage Meter the spawner needs
// on agent exit.
type UsageTracker interface {
	Track(r *usage.Record) error
}

// Spawner is the Agent Spawner (C4): launches, supervises, and reaps
// external CLI subprocesses under a global concurrency cap.
type Spawner struct {
	cliPath        string
	maxConcurrent  int
	bus            Publisher
	meter          UsageTracker

	mu      sync.Mutex
	agents  map[string]*Agent
	backlog []backlogEntry
	active  int
}

// New constructs a Spawner. cliPath is the agent executable invoked for
// every spawn (e.g. "claude"); maxConcurrent bounds working+initializing
// agents globally, across all types.
func New(cliPath string, maxConcurrent int, bus Publisher, meter UsageTracker) *Spawner {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Spawner{
		cliPath:       cliPath,
		maxConcurrent: maxConcurrent,
		bus:           bus,
		meter:         meter,
		agents:        make(map[string]*Agent),
	}
}

// Spawn resolves the effective config, and either launches the agent
// immediately or, if the concurrency cap is saturated, appends it to the
// backlog and returns ("", true, nil) to signal "queued".
func (s *Spawner) Spawn(req Request) (agentID string, queued bool, err error) {
	if req.Type == "" {
		req.Type = agenttype.Infer(req.Description, req.Prompt)
	}
	cfg := agenttype.Resolve(req.Type, req.Override)

	s.mu.Lock()
	if s.active >= s.maxConcurrent {
		s.backlog = append(s.backlog, backlogEntry{req: req, queued: time.Now()})
		sort.SliceStable(s.backlog, func(i, j int) bool {
			return s.backlog[i].req.Priority > s.backlog[j].req.Priority
		})
		s.mu.Unlock()
		return "", true, nil
	}
	s.active++
	s.mu.Unlock()

	id := uuid.New().String()
	if err := s.launch(id, req, cfg); err != nil {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
		return "", false, err
	}
	return id, false, nil
}

func (s *Spawner) launch(id string, req Request, cfg agenttype.Config) error {
	a := &Agent{
		ID: id, Type: cfg.Type, Config: cfg, TaskID: req.TaskID, UserID: req.UserID,
		SessionID: req.SessionID, ProjectPath: req.ProjectPath, State: StateInitializing,
		StartedAt: time.Now(), Priority: req.Priority,
	}
	s.mu.Lock()
	s.agents[id] = a
	s.mu.Unlock()
	s.publish("agent:spawned", id, nil)

	manifest, err := buildManifest(id, req, cfg)
	if err != nil {
		s.fail(a, err)
		return err
	}
	manifestPath, err := writeManifest(req.ProjectPath, id, manifest)
	if err != nil {
		s.fail(a, err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	}

	args := []string{"--model", agenttype.ResolveModelID(cfg.Model)}
	cmd := exec.CommandContext(ctx, s.cliPath, args...)
	cmd.Dir = req.ProjectPath
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		s.fail(a, err)
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.fail(a, err)
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		s.fail(a, err)
		return err
	}

	if err := cmd.Start(); err != nil {
		cancel()
		os.Remove(manifestPath)
		s.fail(a, err)
		return err
	}

	a.mu.Lock()
	a.PID = cmd.Process.Pid
	a.State = StateWorking
	a.cancel = cancel
	a.mu.Unlock()
	s.publish("agent:status", id, map[string]interface{}{"state": StateWorking})

	if _, err := io.WriteString(stdin, manifest); err != nil {
		log.Printf("[SPAWNER] write stdin for %s: %v", id, err)
	}
	stdin.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go s.streamLines(&wg, a, "agent:output", stdout, false)
	go s.streamLines(&wg, a, "agent:error", stderr, true)

	go func() {
		wg.Wait()
		err := cmd.Wait()
		cancel()
		os.Remove(manifestPath)
		s.onExit(a, err)
	}()

	return nil
}

func (s *Spawner) streamLines(wg *sync.WaitGroup, a *Agent, topic string, r io.Reader, isErr bool) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		a.mu.Lock()
		if isErr {
			a.Stderr = append(a.Stderr, line)
		} else {
			a.Stdout = append(a.Stdout, line)
		}
		a.mu.Unlock()
		s.publish(topic, a.ID, map[string]interface{}{"line": line})
	}
}

func (s *Spawner) onExit(a *Agent, waitErr error) {
	a.mu.Lock()
	a.ExitedAt = time.Now()
	terminated := a.terminateRequested
	stdout := joinLines(a.Stdout)
	duration := a.ExitedAt.Sub(a.StartedAt)
	switch {
	case terminated:
		a.State = StateTerminated
	case waitErr == nil:
		a.State = StateCompleted
		a.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			a.ExitCode = exitErr.ExitCode()
		} else {
			a.ExitCode = -1
		}
		a.Err = waitErr
		a.State = StateFailed
	}
	state := a.State
	a.mu.Unlock()

	if s.meter != nil {
		inputTokens, outputTokens, estimated := usage.ExtractTokens(stdout)
		rec := &usage.Record{
			AgentID: a.ID, AgentType: string(a.Type), ModelClass: usage.ModelClass(a.Config.Model),
			InputTokens: inputTokens, OutputTokens: outputTokens, DurationMs: duration.Milliseconds(),
			UserID: a.UserID, SessionID: a.SessionID, TaskID: a.TaskID, Terminated: terminated, Estimated: estimated,
		}
		if err := s.meter.Track(rec); err != nil {
			log.Printf("[SPAWNER] track usage for %s: %v", a.ID, err)
		}
	}

	topic := "agent:completed"
	if state == StateFailed {
		topic = "agent:error"
	} else if state == StateTerminated {
		topic = "agent:terminated"
	}
	s.publish(topic, a.ID, map[string]interface{}{"state": state, "exit_code": a.ExitCode})

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.popBacklog()
}

func (s *Spawner) fail(a *Agent, err error) {
	a.mu.Lock()
	a.State = StateFailed
	a.Err = err
	a.ExitedAt = time.Now()
	a.mu.Unlock()
	s.publish("agent:error", a.ID, map[string]interface{}{"error": err.Error()})
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.popBacklog()
}

// popBacklog launches the next queued request, if capacity allows.
func (s *Spawner) popBacklog() {
	s.mu.Lock()
	if len(s.backlog) == 0 || s.active >= s.maxConcurrent {
		s.mu.Unlock()
		return
	}
	entry := s.backlog[0]
	s.backlog = s.backlog[1:]
	s.active++
	s.mu.Unlock()

	id := uuid.New().String()
	cfg := agenttype.Resolve(entry.req.Type, entry.req.Override)
	if err := s.launch(id, entry.req, cfg); err != nil {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}
}

// Status returns a point-in-time snapshot of an agent's record.
func (s *Spawner) Status(agentID string) (Snapshot, error) {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return a.snapshot(), nil
}

// Terminate sends a terminate signal to a running agent's process group.
// On receipt the lifecycle transitions to terminated, not failed, and
// usage is still recorded with the terminated flag set.
func (s *Spawner) Terminate(agentID string) (bool, error) {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	s.mu.Unlock()
	if !ok {
		return false, ErrNotFound
	}

	a.mu.Lock()
	if a.State.IsTerminal() {
		a.mu.Unlock()
		return false, nil
	}
	a.terminateRequested = true
	pid := a.PID
	cancel := a.cancel
	a.mu.Unlock()

	killProcessGroup(pid)
	if cancel != nil {
		cancel()
	}
	return true, nil
}

// TerminateAll signals every non-terminal agent to stop, for use at
// process shutdown.
func (s *Spawner) TerminateAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.agents))
	for id, a := range s.agents {
		a.mu.Lock()
		terminal := a.State.IsTerminal()
		a.mu.Unlock()
		if !terminal {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Terminate(id)
	}
}

// Metrics reports totals by state, queued count, grouped-by-type counts,
// and average execution time across completed agents.
func (s *Spawner) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		CountByState: make(map[State]int),
		CountByType:  make(map[agenttype.Type]int),
		Queued:       len(s.backlog),
	}

	var totalMs float64
	var completed int
	for _, a := range s.agents {
		a.mu.Lock()
		m.CountByState[a.State]++
		m.CountByType[a.Type]++
		if a.State == StateCompleted {
			totalMs += float64(a.ExitedAt.Sub(a.StartedAt).Milliseconds())
			completed++
		}
		a.mu.Unlock()
	}
	if completed > 0 {
		m.AvgCompletedMs = totalMs / float64(completed)
	}
	return m
}

func (s *Spawner) publish(topic, agentID string, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	s.bus.PublishAgentEvent(topic, agentID, payload)
}

func joinLines(lines []string) string {
	total := 0
	for _, l := range lines {
		total += len(l) + 1
	}
	buf := make([]byte, 0, total)
	for _, l := range lines {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	return string(buf)
}
