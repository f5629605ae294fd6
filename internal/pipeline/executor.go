package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rpattn/s3pgload/internal/domain"
	"github.com/rpattn/s3pgload/internal/ingestion"
	"github.com/rpattn/s3pgload/internal/load"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Step selects which phases run.
type Step string

const (
	StepAll    Step = "all"
	StepIngest Step = "ingest"
	StepLoad   Step = "load"
)

// ParseStep accepts a step name. "ingestor" and "handler" are kept as aliases
// of ingest and load.
func ParseStep(raw string) (Step, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all":
		return StepAll, nil
	case "ingest", "ingestor":
		return StepIngest, nil
	case "load", "handler":
		return StepLoad, nil
	}
	return "", fmt.Errorf("%w: unknown step %q (expected all, ingest or load)", domain.ErrConfiguration, raw)
}

// Plan is a validated invocation.
type Plan struct {
	Step       Step      `json:"step"`
	WorkflowID uuid.UUID `json:"workflowId"`
	// Generated is set when the workflow id was minted for this invocation.
	Generated bool `json:"generated"`
}

// CheckInputs validates the step/workflow combination before any I/O. Loading
// alone needs the workflow of an earlier ingestion; the other steps start a new
// workflow and must not be given one.
func CheckInputs(step Step, workflow string, newID func() uuid.UUID) (Plan, error) {
	workflow = strings.TrimSpace(workflow)
	switch step {
	case StepLoad:
		if workflow == "" {
			return Plan{}, fmt.Errorf("%w: --workflow is required when running the load step", domain.ErrConfiguration)
		}
		id, err := uuid.Parse(workflow)
		if err != nil {
			return Plan{}, fmt.Errorf("%w: workflow %q is not a valid UUID", domain.ErrConfiguration, workflow)
		}
		return Plan{Step: step, WorkflowID: id}, nil
	case StepAll, StepIngest:
		if workflow != "" {
			return Plan{}, fmt.Errorf("%w: --workflow can only be used with the load step", domain.ErrConfiguration)
		}
		if newID == nil {
			newID = uuid.New
		}
		return Plan{Step: step, WorkflowID: newID(), Generated: true}, nil
	}
	return Plan{}, fmt.Errorf("%w: unknown step %q", domain.ErrConfiguration, step)
}

// Ingester runs the ingestion phase.
type Ingester interface {
	Run(ctx context.Context, workflowID uuid.UUID) (ingestion.Summary, error)
}

// Loader runs the load phase.
type Loader interface {
	Run(ctx context.Context, workflowID uuid.UUID) (load.Summary, error)
}

// Result collects the phase summaries of one invocation.
type Result struct {
	Plan      Plan               `json:"plan"`
	Ingestion *ingestion.Summary `json:"ingestion,omitempty"`
	Load      *load.Summary      `json:"load,omitempty"`
}

// Executor sequences the phases selected by a plan.
type Executor struct {
	ingester Ingester
	loader   Loader
	logger   *zap.Logger
}

// NewExecutor wires the phases. A phase the plan never selects may be nil.
func NewExecutor(ingester Ingester, loader Loader, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{ingester: ingester, loader: loader, logger: logger}
}

// Execute runs ingestion then load as the plan requires. A failed ingestion
// stops the invocation before loading.
func (e *Executor) Execute(ctx context.Context, plan Plan) (Result, error) {
	result := Result{Plan: plan}
	e.logger.Info(fmt.Sprintf("Starting workflow %s -- step(s): %s", plan.WorkflowID, describe(plan.Step)),
		zap.String("workflow_id", plan.WorkflowID.String()),
		zap.Bool("generated", plan.Generated))

	if plan.Step == StepAll || plan.Step == StepIngest {
		if e.ingester == nil {
			return result, fmt.Errorf("ingestion phase is not configured")
		}
		summary, err := e.ingester.Run(ctx, plan.WorkflowID)
		result.Ingestion = &summary
		if err != nil {
			return result, fmt.Errorf("ingestion: %w", err)
		}
	}

	if plan.Step == StepAll || plan.Step == StepLoad {
		if e.loader == nil {
			return result, fmt.Errorf("load phase is not configured")
		}
		summary, err := e.loader.Run(ctx, plan.WorkflowID)
		result.Load = &summary
		if err != nil {
			return result, fmt.Errorf("load: %w", err)
		}
	}
	return result, nil
}

func describe(step Step) string {
	switch step {
	case StepIngest:
		return "ingest"
	case StepLoad:
		return "load"
	}
	return "ingest, load"
}
