package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"afu/internal/domain"
	"afu/internal/engine"
	"afu/internal/preflight"
)

type IssuePath struct {
	ID string `path:"id" doc:"Work item id or short id (wi-...)"`
}

type OperationInput struct {
	IssuePath
	RequestID string `header:"X-Request-Id" required:"false"`
}

type resultOutput struct {
	Body engine.Result
}

// operationResult funnels the shared blocked/failed/succeeded handling.
func operationResult(requestID string, res engine.Result, err error) (*resultOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	if res.Decision != nil {
		return nil, blockedError(res.Decision, requestID)
	}
	return &resultOutput{Body: res}, nil
}

func registerIssues(api huma.API, e engine.Engine) {
	type createIssueInput struct {
		Body struct {
			Title  string `json:"title" minLength:"1" maxLength:"500"`
			SpecMD string `json:"spec_md,omitempty"`
		}
	}
	type issueOutput struct {
		Body domain.WorkItem
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Create a work item",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *createIssueInput) (*issueOutput, error) {
		wi, err := e.CreateWorkItem(ctx, engine.CreateOptions{
			Title:  input.Body.Title,
			SpecMD: input.Body.SpecMD,
			Actor:  actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: wi}, nil
	})

	type listOutput struct {
		Body struct {
			Items []domain.WorkItem `json:"items"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List work items",
	}, func(ctx context.Context, _ *struct{}) (*listOutput, error) {
		items, err := e.Repo.ListWorkItems(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Show a work item",
	}, func(ctx context.Context, input *IssuePath) (*issueOutput, error) {
		wi, err := e.Repo.ResolveWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: wi}, nil
	})

	type specInput struct {
		IssuePath
		Body struct {
			SpecMD string `json:"spec_md"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "update-issue-spec",
		Method:      http.MethodPut,
		Path:        "/issues/{id}/spec",
		Summary:     "Replace the spec content",
	}, func(ctx context.Context, input *specInput) (*issueOutput, error) {
		wi, err := e.UpdateSpec(ctx, input.ID, input.Body.SpecMD)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: wi}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-spec-ready",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/spec-ready",
		Summary:     "Mark the spec ready for implementation",
	}, func(ctx context.Context, input *IssuePath) (*issueOutput, error) {
		wi, err := e.SetLifecycle(ctx, input.ID, domain.LifecycleSpecReady)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: wi}, nil
	})
}

func registerOperations(api huma.API, e engine.Engine) {
	type handoffInput struct {
		OperationInput
		Body struct {
			Update bool `json:"update,omitempty" doc:"Edit the existing mirror issue instead of creating one"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "handoff-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/handoff",
		Summary:     "Mirror the work item upstream",
	}, func(ctx context.Context, input *handoffInput) (*resultOutput, error) {
		res, err := e.Handoff(ctx, engine.HandoffOptions{
			Identifier: input.ID,
			RequestID:  input.RequestID,
			Actor:      actorFromContext(ctx),
			Update:     input.Body.Update,
		})
		return operationResult(input.RequestID, res, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "implement-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/implement",
		Summary:     "Create or adopt the work branch and pull request",
	}, func(ctx context.Context, input *OperationInput) (*resultOutput, error) {
		res, err := e.Implement(ctx, engine.ImplementOptions{
			Identifier: input.ID,
			RequestID:  input.RequestID,
			Actor:      actorFromContext(ctx),
		})
		return operationResult(input.RequestID, res, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/trigger",
		Summary:     "Arm the implementation trigger on the mirror issue",
	}, func(ctx context.Context, input *OperationInput) (*resultOutput, error) {
		res, err := e.Trigger(ctx, engine.TriggerOptions{
			Identifier: input.ID,
			RequestID:  input.RequestID,
			Actor:      actorFromContext(ctx),
		})
		return operationResult(input.RequestID, res, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/verify",
		Summary:     "Dispatch the verification workflow and await its conclusion",
	}, func(ctx context.Context, input *OperationInput) (*resultOutput, error) {
		res, err := e.Verify(ctx, engine.VerifyOptions{
			Identifier: input.ID,
			RequestID:  input.RequestID,
			Actor:      actorFromContext(ctx),
		})
		return operationResult(input.RequestID, res, err)
	})

	type preflightInput struct {
		IssuePath
		Op string `query:"op" enum:"handoff,implement,trigger,verify"`
	}
	type preflightOutput struct {
		Body struct {
			OK       bool                `json:"ok"`
			Decision *preflight.Decision `json:"decision,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "preflight-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}/preflight",
		Summary:     "Dry-run the precondition chain for an operation",
	}, func(ctx context.Context, input *preflightInput) (*preflightOutput, error) {
		decision, err := e.Preflight(ctx, input.Op, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &preflightOutput{}
		out.Body.OK = decision == nil
		out.Body.Decision = decision
		return out, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	type listRunsInput struct {
		IssuePath
		Limit int `query:"limit" minimum:"0" maximum:"200" required:"false"`
	}
	type listRunsOutput struct {
		Body struct {
			Runs []domain.Run `json:"runs"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-issue-runs",
		Method:      http.MethodGet,
		Path:        "/issues/{id}/runs",
		Summary:     "List orchestration runs for a work item",
	}, func(ctx context.Context, input *listRunsInput) (*listRunsOutput, error) {
		wi, err := e.Repo.ResolveWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		runs, err := e.Repo.ListRuns(ctx, wi.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listRunsOutput{}
		out.Body.Runs = runs
		return out, nil
	})

	type runPath struct {
		RunID string `path:"run_id"`
	}
	type runOutput struct {
		Body struct {
			Run   domain.Run       `json:"run"`
			Steps []domain.RunStep `json:"steps"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Show a run with its steps",
	}, func(ctx context.Context, input *runPath) (*runOutput, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListRunSteps(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &runOutput{}
		out.Body.Run = run
		out.Body.Steps = steps
		return out, nil
	})
}
