// Package workflow executes directed graphs of typed nodes. Each run
// works over a frozen snapshot of the graph taken at trigger time, so
// edits to the workflow never affect runs in flight.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/procman"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

// Store is the persistence surface the engine needs.
type Store interface {
	store.WorkflowStore
	store.SessionStore
	store.AgentStore
	store.ProjectStore
	store.WorkTaskStore
}

// Runner starts and observes agent sub-processes for agent_session nodes.
type Runner interface {
	StartProcess(ctx context.Context, sess *store.Session, prompt string, opts procman.StartOptions) error
	Subscribe(sessionID string, fn procman.SubscriberFn) string
	Unsubscribe(sessionID, token string)
}

// Engine runs workflows: one goroutine per run, a frontier of pending
// node ids, and a concurrency cap over running+waiting node runs.
type Engine struct {
	store Store
	procs Runner
	bus   bus.Publisher
	log   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a workflow engine.
func New(st Store, procs Runner, pub bus.Publisher, log *slog.Logger) *Engine {
	return &Engine{
		store:   st,
		procs:   procs,
		bus:     pub,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Validate rejects graphs with no start node or edges referencing
// unknown node ids, and compiles every edge condition.
func Validate(w *store.Workflow) error {
	ids := make(map[string]bool, len(w.Nodes))
	starts := 0
	for _, n := range w.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node without id")
		}
		if ids[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
		if n.Type == "start" {
			starts++
		}
	}
	if starts == 0 {
		return fmt.Errorf("workflow has no start node")
	}
	if w.MaxConcurrency < 1 {
		return fmt.Errorf("maxConcurrency must be at least 1")
	}
	for _, e := range w.Edges {
		if !ids[e.Source] || !ids[e.Target] {
			return fmt.Errorf("edge %s references unknown node", e.ID)
		}
		if _, err := CompileCondition(e.Condition); err != nil {
			return fmt.Errorf("edge %s condition: %w", e.ID, err)
		}
	}
	return nil
}

// Trigger creates a run over a snapshot of the workflow and starts its
// executor goroutine. Only active workflows may be triggered.
func (e *Engine) Trigger(ctx context.Context, workflowID string, input map[string]any) (*store.WorkflowRun, error) {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != store.WorkflowActive {
		return nil, fmt.Errorf("workflow %s is %s, not active", w.Name, w.Status)
	}
	if err := Validate(w); err != nil {
		return nil, err
	}

	var startIDs []string
	for _, n := range w.Nodes {
		if n.Type == "start" {
			startIDs = append(startIDs, n.ID)
		}
	}
	run := &store.WorkflowRun{
		ID:             uuid.NewString(),
		WorkflowID:     w.ID,
		Status:         store.RunRunning,
		Input:          input,
		Nodes:          w.Nodes,
		Edges:          w.Edges,
		CurrentNodeIDs: startIDs,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.broadcastRun(run)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()
	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, run.ID)
			e.mu.Unlock()
		}()
		e.execute(runCtx, w, run)
	}()
	return run, nil
}

// Cancel stops a running run. Nodes already completed keep their state.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

type nodeResult struct {
	nodeID string
	status string
	output map[string]any
	err    string
}

// execute drives one run to a terminal status.
func (e *Engine) execute(ctx context.Context, w *store.Workflow, run *store.WorkflowRun) {
	nodesByID := make(map[string]store.WorkflowNode, len(run.Nodes))
	for _, n := range run.Nodes {
		nodesByID[n.ID] = n
	}
	outEdges := make(map[string][]store.WorkflowEdge)
	for _, edge := range run.Edges {
		outEdges[edge.Source] = append(outEdges[edge.Source], edge)
	}

	maxConc := w.MaxConcurrency
	results := make(chan nodeResult)
	queue := append([]string(nil), run.CurrentNodeIDs...)
	inputs := map[string]map[string]any{}
	for _, id := range queue {
		inputs[id] = run.Input
	}
	started := map[string]bool{}
	inFlight := 0
	var firstFailure string
	cancelled := false

	for {
		for len(queue) > 0 && inFlight < maxConc && !cancelled {
			nodeID := queue[0]
			queue = queue[1:]
			if started[nodeID] {
				continue
			}
			node, ok := nodesByID[nodeID]
			if !ok {
				e.log.Warn("workflow: edge targets unknown node", "run", run.ID, "node", nodeID)
				continue
			}
			created, err := e.createNodeRun(ctx, run.ID, node, inputs[nodeID])
			if err != nil {
				e.log.Warn("workflow: node run insert failed", "run", run.ID, "node", nodeID, "error", err)
				continue
			}
			if !created {
				// A previous enqueue already owns this node.
				continue
			}
			started[nodeID] = true
			inFlight++
			go func(node store.WorkflowNode, input map[string]any) {
				results <- e.execNode(ctx, run, node, input)
			}(node, inputs[nodeID])
		}

		run.CurrentNodeIDs = append([]string(nil), queue...)
		e.persistRun(ctx, run)

		if inFlight == 0 && (len(queue) == 0 || cancelled) {
			break
		}

		var res nodeResult
		if cancelled {
			// Only drain in-flight nodes; they observe ctx themselves.
			res = <-results
		} else {
			select {
			case <-ctx.Done():
				cancelled = true
				continue
			case res = <-results:
			}
		}
		inFlight--
		if res.status == store.NodeFailed && firstFailure == "" {
			firstFailure = fmt.Sprintf("node %s: %s", res.nodeID, res.err)
		}
		if res.status == store.NodeCompleted {
			run.Output = res.output
			for _, edge := range outEdges[res.nodeID] {
				if !e.edgeFires(run.ID, edge, res.output) {
					continue
				}
				if started[edge.Target] {
					continue
				}
				merged := maps.Clone(inputs[edge.Target])
				if merged == nil {
					merged = map[string]any{}
				}
				maps.Copy(merged, res.output)
				inputs[edge.Target] = merged
				queue = append(queue, edge.Target)
			}
		}
	}

	now := time.Now().UTC()
	run.Completed = &now
	run.CurrentNodeIDs = nil
	switch {
	case cancelled:
		run.Status = store.RunCancelled
	case firstFailure != "":
		run.Status = store.RunFailed
		run.Error = firstFailure
	default:
		run.Status = store.RunCompleted
	}
	e.persistRun(ctx, run)
	e.log.Info("workflow: run finished", "run", run.ID, "status", run.Status, "error", run.Error)
}

// edgeFires evaluates the edge condition against the source output. An
// unparsable condition stored in an old snapshot never fires.
func (e *Engine) edgeFires(runID string, edge store.WorkflowEdge, output map[string]any) bool {
	cond, err := CompileCondition(edge.Condition)
	if err != nil {
		e.log.Warn("workflow: bad edge condition", "run", runID, "edge", edge.ID, "error", err)
		return false
	}
	return cond.Eval(output)
}

func (e *Engine) createNodeRun(ctx context.Context, runID string, node store.WorkflowNode, input map[string]any) (bool, error) {
	nr := &store.WorkflowNodeRun{
		ID:       uuid.NewString(),
		RunID:    runID,
		NodeID:   node.ID,
		NodeType: node.Type,
		Status:   store.NodePending,
		Input:    input,
	}
	created, err := e.store.CreateNodeRun(ctx, nr)
	if created {
		e.broadcastNode(runID, nr)
	}
	return created, err
}

// execNode runs one node to a terminal node status, persisting each
// transition.
func (e *Engine) execNode(ctx context.Context, run *store.WorkflowRun, node store.WorkflowNode, input map[string]any) nodeResult {
	nr := e.findNodeRun(ctx, run.ID, node.ID)
	if nr == nil {
		return nodeResult{nodeID: node.ID, status: store.NodeFailed, err: "node run row missing"}
	}
	now := time.Now().UTC()
	nr.Started = &now
	nr.Status = store.NodeRunning
	e.persistNode(ctx, run.ID, nr)

	var output map[string]any
	var errMsg string
	switch node.Type {
	case "start", "branch", "join":
		output = input
	case "wait":
		output, errMsg = e.execWait(ctx, node, input)
	case "agent_session":
		output, errMsg = e.execAgentSession(ctx, run, node, nr, input)
	case "work_task":
		output, errMsg = e.execWorkTask(ctx, node, nr, input)
	default:
		errMsg = fmt.Sprintf("unknown node type %q", node.Type)
	}

	done := time.Now().UTC()
	nr.Completed = &done
	if errMsg != "" {
		nr.Status = store.NodeFailed
		nr.Error = errMsg
	} else {
		nr.Status = store.NodeCompleted
		nr.Output = output
	}
	e.persistNode(ctx, run.ID, nr)
	return nodeResult{nodeID: node.ID, status: nr.Status, output: output, err: errMsg}
}

func (e *Engine) execWait(ctx context.Context, node store.WorkflowNode, input map[string]any) (map[string]any, string) {
	d := time.Second
	if ms, ok := node.Config["durationMs"].(float64); ok && ms > 0 {
		d = time.Duration(ms) * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return nil, "cancelled during wait"
	case <-time.After(d):
		return input, ""
	}
}

// execAgentSession spawns an agent session and waits for it to exit;
// the node sits in waiting while the session runs.
func (e *Engine) execAgentSession(ctx context.Context, run *store.WorkflowRun, node store.WorkflowNode, nr *store.WorkflowNodeRun, input map[string]any) (map[string]any, string) {
	agentID, _ := node.Config["agentId"].(string)
	if agentID == "" {
		if w, err := e.store.GetWorkflow(ctx, run.WorkflowID); err == nil {
			agentID = w.AgentID
		}
	}
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Sprintf("agent lookup: %v", err)
	}
	prompt, _ := node.Config["prompt"].(string)
	if prompt == "" {
		prompt, _ = input["prompt"].(string)
	}
	if prompt == "" {
		return nil, "agent_session node has no prompt"
	}

	var workDir string
	if agent.DefaultProjectID != "" {
		if p, err := e.store.GetProject(ctx, agent.DefaultProjectID); err == nil {
			workDir = p.Path
		}
	}
	sess := &store.Session{
		ID:            uuid.NewString(),
		ProjectID:     agent.DefaultProjectID,
		AgentID:       agent.ID,
		Name:          fmt.Sprintf("%s (workflow)", node.Label),
		Status:        store.SessionCreated,
		Source:        store.SourceAgent,
		InitialPrompt: prompt,
		WorkDir:       workDir,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Sprintf("session create: %v", err)
	}

	exited := make(chan struct{}, 1)
	var once sync.Once
	token := e.procs.Subscribe(sess.ID, func(sessionID string, ev procman.Event) {
		if ev.Type == procman.EventSessionExited {
			once.Do(func() { exited <- struct{}{} })
		}
	})
	defer e.procs.Unsubscribe(sess.ID, token)

	if err := e.procs.StartProcess(ctx, sess, prompt, procman.StartOptions{}); err != nil {
		return nil, fmt.Sprintf("session start: %v", err)
	}
	nr.SessionID = sess.ID
	nr.Status = store.NodeWaiting
	e.persistNode(ctx, run.ID, nr)

	select {
	case <-ctx.Done():
		return nil, "cancelled while waiting for session"
	case <-exited:
	}

	output := map[string]any{"sessionId": sess.ID}
	if msg, err := e.store.LastAssistantMessage(ctx, sess.ID); err == nil {
		output["response"] = msg.Content
	}
	return output, ""
}

func (e *Engine) execWorkTask(ctx context.Context, node store.WorkflowNode, nr *store.WorkflowNodeRun, input map[string]any) (map[string]any, string) {
	desc, _ := node.Config["description"].(string)
	if desc == "" {
		desc, _ = input["description"].(string)
	}
	if desc == "" {
		return nil, "work_task node has no description"
	}
	task := &store.WorkTask{
		ID:          uuid.NewString(),
		AgentID:     nodeAgentID(node, input),
		Description: desc,
		Branch:      "work/" + uuid.NewString()[:8],
		Status:      "pending",
	}
	if err := e.store.CreateWorkTask(ctx, task); err != nil {
		return nil, fmt.Sprintf("work task create: %v", err)
	}
	nr.WorkTaskID = task.ID
	return map[string]any{"workTaskId": task.ID, "branch": task.Branch}, ""
}

func nodeAgentID(node store.WorkflowNode, input map[string]any) string {
	if id, ok := node.Config["agentId"].(string); ok && id != "" {
		return id
	}
	id, _ := input["agentId"].(string)
	return id
}

func (e *Engine) findNodeRun(ctx context.Context, runID, nodeID string) *store.WorkflowNodeRun {
	nrs, err := e.store.ListNodeRuns(ctx, runID)
	if err != nil {
		return nil
	}
	for _, nr := range nrs {
		if nr.NodeID == nodeID {
			return nr
		}
	}
	return nil
}

func (e *Engine) persistRun(ctx context.Context, run *store.WorkflowRun) {
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.log.Warn("workflow: run update failed", "run", run.ID, "error", err)
	}
	e.broadcastRun(run)
}

func (e *Engine) persistNode(ctx context.Context, runID string, nr *store.WorkflowNodeRun) {
	if err := e.store.UpdateNodeRun(ctx, nr); err != nil {
		e.log.Warn("workflow: node update failed", "run", runID, "node", nr.NodeID, "error", err)
	}
	e.broadcastNode(runID, nr)
}

func (e *Engine) broadcastRun(run *store.WorkflowRun) {
	payload := map[string]any{
		"runId":      run.ID,
		"workflowId": run.WorkflowID,
		"status":     run.Status,
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	e.bus.Broadcast(bus.Event{
		Topic:   protocol.TopicOwner,
		Type:    protocol.EventWorkflowRunUpdate,
		Payload: payload,
	})
}

func (e *Engine) broadcastNode(runID string, nr *store.WorkflowNodeRun) {
	payload := map[string]any{
		"runId":  runID,
		"nodeId": nr.NodeID,
		"status": nr.Status,
	}
	if nr.SessionID != "" {
		payload["sessionId"] = nr.SessionID
	}
	if nr.Error != "" {
		payload["error"] = nr.Error
	}
	e.bus.Broadcast(bus.Event{
		Topic:   protocol.TopicOwner,
		Type:    protocol.EventWorkflowNodeUpdate,
		Payload: payload,
	})
}
