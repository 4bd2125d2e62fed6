package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"colloquy/internal/domain"
	"colloquy/internal/infra/tracer"
	"colloquy/internal/usecase/client"
	"colloquy/internal/usecase/eventbus"
	"colloquy/internal/usecase/multiagent"
)

// Strategy selects how the chosen agents collaborate on a task.
type Strategy string

const (
	Sequential Strategy = "sequential"
	Parallel   Strategy = "parallel"
	Consensus  Strategy = "consensus"
	Delegation Strategy = "delegation"
)

// ParseStrategy validates s. The empty string means Sequential.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return Sequential, nil
	case Sequential, Parallel, Consensus, Delegation:
		return st, nil
	default:
		return "", domain.NewDomainError("ParseStrategy", domain.ErrUnknownStrategy, s)
	}
}

// Sender delivers one message to one agent. *client.Client implements it.
type Sender interface {
	SendMessage(ctx context.Context, message, agentID, conversationID string) (*client.Reply, error)
}

// Response is one agent's contribution.
type Response struct {
	Agent   string           `json:"agent"`
	Type    client.ReplyType `json:"type"`
	Content string           `json:"content"`
}

// Result is the outcome of one orchestration.
type Result struct {
	Strategy Strategy `json:"strategy"`
	Task     string   `json:"task"`
	Agents   []string `json:"agents"`
	// Responses has one entry per agent, in agent order. A nil entry is an
	// agent that failed during a parallel fan-out.
	Responses []*Response `json:"responses"`
	// Plan is the coordinator's plan, for delegation only.
	Plan string `json:"plan,omitempty"`
	// Final is the output of the last step: the chained answer, the
	// coordinator's resolution, or the executed plan.
	Final string `json:"final"`
}

// StepError reports the step that aborted an orchestration. Partial holds
// everything gathered before the failure.
type StepError struct {
	Step    int
	Agent   string
	Err     error
	Partial *Result
}

func (e *StepError) Error() string {
	return fmt.Sprintf("orchestration step %d (%s): %v", e.Step, e.Agent, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Config tunes the orchestrator.
type Config struct {
	// Coordinator resolves consensus and plans delegation. Defaults to the
	// highest-priority agent of the core set.
	Coordinator string
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithMatcher replaces the default KeywordMatcher.
func WithMatcher(m multiagent.CapabilityMatcher) Option {
	return func(o *Orchestrator) { o.matcher = m }
}

// WithPlanExecutor replaces the pass-through plan executor.
func WithPlanExecutor(e PlanExecutor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

// WithBus attaches the bus used to share intermediate results.
func WithBus(bus *eventbus.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// Orchestrator routes a task to the relevant agents and combines their work.
type Orchestrator struct {
	registry *multiagent.Registry
	sender   Sender
	cfg      Config
	matcher  multiagent.CapabilityMatcher
	executor PlanExecutor
	bus      *eventbus.Bus
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(registry *multiagent.Registry, sender Sender, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		sender:   sender,
		cfg:      cfg,
		matcher:  multiagent.NewKeywordMatcherWithLogger(logger),
		executor: PassthroughExecutor{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SelectAgents returns the agents relevant to task, sorted by priority.
// When the matcher finds nobody, the registry's core set is used.
func (o *Orchestrator) SelectAgents(task string) ([]domain.Agent, error) {
	agents := o.matcher.Match(task, o.registry.List())
	if len(agents) == 0 {
		agents = o.registry.Core()
	}
	if len(agents) == 0 {
		return nil, domain.ErrNoAgents
	}
	multiagent.SortByPriority(agents)
	return agents, nil
}

// Orchestrate runs task with the given strategy.
func (o *Orchestrator) Orchestrate(ctx context.Context, task string, strategy Strategy, conversationID string) (*Result, error) {
	const op = "Orchestrator.Orchestrate"

	if strings.TrimSpace(task) == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "empty task")
	}
	if strategy == "" {
		strategy = Sequential
	}

	var run func(context.Context, string, []domain.Agent, *Result, string) error
	switch strategy {
	case Sequential:
		run = o.sequential
	case Parallel:
		run = o.parallel
	case Consensus:
		run = o.consensus
	case Delegation:
		run = o.delegation
	default:
		return nil, domain.NewDomainError(op, domain.ErrUnknownStrategy, string(strategy))
	}

	agents, err := o.SelectAgents(task)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	ctx, span := tracer.StartSpan(ctx, "orchestrator.orchestrate")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("orchestration.strategy", string(strategy)),
		tracer.IntAttr("orchestration.agents", len(agents)),
	)

	res := &Result{Strategy: strategy, Task: task}
	for _, a := range agents {
		res.Agents = append(res.Agents, a.Name)
	}

	o.logger.Info("orchestration started",
		"strategy", strategy,
		"agents", res.Agents,
		"conversation", conversationID,
	)

	if err := run(ctx, task, agents, res, conversationID); err != nil {
		tracer.RecordError(span, err)
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			stepErr.Partial = res
			return res, err
		}
		return nil, domain.WrapOp(op, err)
	}

	tracer.SetOK(span)
	return res, nil
}

// sequential chains outputs: each agent receives the previous agent's answer.
// Intermediate answers are broadcast to the agents still waiting their turn.
func (o *Orchestrator) sequential(ctx context.Context, task string, agents []domain.Agent, res *Result, convID string) error {
	prompt := task
	for i, a := range agents {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: i, Agent: a.Name, Err: err}
		}

		reply, err := o.sender.SendMessage(ctx, prompt, a.Name, convID)
		if err == nil {
			err = unavailable(reply)
		}
		if err != nil {
			o.logger.Warn("sequential step failed", "step", i, "agent", a.Name, "error", err)
			return &StepError{Step: i, Agent: a.Name, Err: err}
		}
		res.Responses = append(res.Responses, toResponse(reply))
		res.Final = reply.Message

		if remaining := agents[i+1:]; len(remaining) > 0 {
			o.share(ctx, a.Name, names(remaining), reply.Message, convID)
			prompt = chainPrompt(task, a.Name, reply.Message, remaining[0].Name)
		}
	}
	return nil
}

// parallel fans the task out to every agent concurrently. Failed agents
// leave nil entries; the orchestration fails only if every agent failed.
func (o *Orchestrator) parallel(ctx context.Context, task string, agents []domain.Agent, res *Result, convID string) error {
	responses := make([]*Response, len(agents))
	errs := make([]error, len(agents))

	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			reply, err := o.sender.SendMessage(ctx, task, name, convID)
			if err == nil {
				err = unavailable(reply)
			}
			if err != nil {
				o.logger.Warn("parallel agent failed", "agent", name, "error", err)
				errs[i] = err
				return
			}
			responses[i] = toResponse(reply)
		}(i, a.Name)
	}
	wg.Wait()

	res.Responses = responses

	var parts []string
	for _, r := range responses {
		if r == nil {
			continue
		}
		if o.bus != nil {
			o.bus.Broadcast(ctx, r.Agent, r.Content, convID)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", r.Agent, r.Content))
	}
	if len(parts) == 0 {
		return fmt.Errorf("all %d agents failed: %w", len(agents), errors.Join(errs...))
	}
	res.Final = strings.Join(parts, "\n\n")
	return nil
}

// consensus runs the parallel fan-out and asks the coordinator to resolve
// the answers into one.
func (o *Orchestrator) consensus(ctx context.Context, task string, agents []domain.Agent, res *Result, convID string) error {
	if err := o.parallel(ctx, task, agents, res, convID); err != nil {
		return err
	}

	coordinator := o.coordinator(agents)
	step := len(agents)
	if err := ctx.Err(); err != nil {
		return &StepError{Step: step, Agent: coordinator, Err: err}
	}

	prompt, err := consensusPrompt(task, res)
	if err != nil {
		return err
	}
	reply, err := o.sender.SendMessage(ctx, prompt, coordinator, convID)
	if err == nil {
		err = unavailable(reply)
	}
	if err != nil {
		return &StepError{Step: step, Agent: coordinator, Err: err}
	}
	res.Final = reply.Message
	return nil
}

// delegation asks the coordinator for a plan and hands it to the plan executor.
func (o *Orchestrator) delegation(ctx context.Context, task string, agents []domain.Agent, res *Result, convID string) error {
	coordinator := o.coordinator(agents)
	if err := ctx.Err(); err != nil {
		return &StepError{Step: 0, Agent: coordinator, Err: err}
	}

	reply, err := o.sender.SendMessage(ctx, planPrompt(task, names(agents)), coordinator, convID)
	if err == nil {
		err = unavailable(reply)
	}
	if err != nil {
		return &StepError{Step: 0, Agent: coordinator, Err: err}
	}
	res.Responses = append(res.Responses, toResponse(reply))
	res.Plan = reply.Message

	if err := ctx.Err(); err != nil {
		return &StepError{Step: 1, Agent: coordinator, Err: err}
	}
	out, err := o.executor.Execute(ctx, Plan{Task: task, Coordinator: coordinator, Agents: names(agents), Steps: reply.Message})
	if err != nil {
		return &StepError{Step: 1, Agent: coordinator, Err: err}
	}
	res.Final = out
	return nil
}

// coordinator returns the configured coordinator, or the highest-priority
// core agent, or the first selected agent.
func (o *Orchestrator) coordinator(selected []domain.Agent) string {
	if o.cfg.Coordinator != "" {
		return o.cfg.Coordinator
	}
	if core := o.registry.Core(); len(core) > 0 {
		return core[0].Name
	}
	return selected[0].Name
}

func (o *Orchestrator) share(ctx context.Context, from string, to []string, content, convID string) {
	if o.bus == nil {
		return
	}
	o.bus.Emit(ctx, domain.AgentMessage{
		From:           from,
		To:             to,
		Type:           domain.MessageBroadcast,
		Content:        content,
		ConversationID: convID,
	})
}

// unavailable turns a fallback reply into the step failure it stands for, so
// the placeholder text never becomes another agent's input.
func unavailable(r *client.Reply) error {
	if r.Type != client.ReplyFallback {
		return nil
	}
	return fmt.Errorf("%s: %w", r.Agent, domain.ErrCircuitOpen)
}

func toResponse(r *client.Reply) *Response {
	return &Response{Agent: r.Agent, Type: r.Type, Content: r.Message}
}

func names(agents []domain.Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.Name
	}
	return out
}

func chainPrompt(task, prevAgent, prevOutput, next string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", task)
	fmt.Fprintf(&b, "%s contributed:\n%s\n\n", prevAgent, prevOutput)
	fmt.Fprintf(&b, "Build on this from your perspective as %s. Keep what is right and correct what is not.", next)
	return b.String()
}

type consensusInput struct {
	Task      string      `json:"task"`
	Responses []*Response `json:"responses"`
	Agents    []string    `json:"agents"`
}

func consensusPrompt(task string, res *Result) (string, error) {
	in := consensusInput{Task: task, Agents: res.Agents}
	for _, r := range res.Responses {
		if r != nil {
			in.Responses = append(in.Responses, r)
		}
	}
	payload, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode consensus input: %w", err)
	}
	return "Resolve these answers into a single recommendation. Note where the agents agree, " +
		"where they disagree, and which position you adopt.\n\n" + string(payload), nil
}

func planPrompt(task string, agents []string) string {
	return fmt.Sprintf("You coordinate %s. Produce a numbered plan for the task below, "+
		"assigning each step to one of them.\n\nTask: %s", strings.Join(agents, ", "), task)
}
