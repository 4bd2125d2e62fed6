package orchestrator

import "context"

// Plan is the coordinator's output for a delegated task.
type Plan struct {
	Task        string
	Coordinator string
	Agents      []string
	Steps       string
}

// PlanExecutor carries out a delegation plan and returns the final output.
type PlanExecutor interface {
	Execute(ctx context.Context, plan Plan) (string, error)
}

// PlanExecutorFunc adapts a function to PlanExecutor.
type PlanExecutorFunc func(ctx context.Context, plan Plan) (string, error)

func (f PlanExecutorFunc) Execute(ctx context.Context, plan Plan) (string, error) {
	return f(ctx, plan)
}

// PassthroughExecutor returns the plan text unchanged.
type PassthroughExecutor struct{}

func (PassthroughExecutor) Execute(_ context.Context, plan Plan) (string, error) {
	return plan.Steps, nil
}
