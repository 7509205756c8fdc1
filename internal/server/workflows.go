package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"issueflow/internal/repo"
	"issueflow/internal/workflow"
	"issueflow/internal/workflow/auth"
)

// matrixInput selects the scopes of an editing matrix. Omitted role or
// tracker ids mean every workflow role or every tracker.
type matrixInput struct {
	RoleIDs          []int `query:"role_id" doc:"role ids, comma separated"`
	TrackerIDs       []int `query:"tracker_id" doc:"tracker ids, comma separated"`
	UsedStatusesOnly bool  `query:"used_statuses_only"`
}

func (in matrixInput) query() workflow.MatrixQuery {
	return workflow.MatrixQuery{RoleIDs: in.RoleIDs, TrackerIDs: in.TrackerIDs, UsedStatusesOnly: in.UsedStatusesOnly}
}

func registerTransitions(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-transition-matrix",
		Method:      http.MethodGet,
		Path:        "/workflows/transitions",
		Summary:     "Transition editing matrix",
		Tags:        []string{"workflows"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *matrixInput) (*out[workflow.TransitionMatrix], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.TransitionMatrix(ctx, input.query())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-transitions",
		Method:      http.MethodPut,
		Path:        "/workflows/transitions",
		Summary:     "Replace transitions",
		Description: "Every (role, tracker) pair of the request loses its stored transitions and receives the submitted ones.",
		Tags:        []string{"workflows"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body ReplaceTransitionsRequest
	}) (*out[ReplaceResponse], error) {
		p, authErr := requirePermission(ctx, auth.PermissionManage)
		if authErr != nil {
			return nil, authErr
		}
		edits := input.Body.Transitions
		if len(input.Body.Form) > 0 {
			decoded, err := workflow.DecodeTransitionForm(input.Body.Form)
			if err != nil {
				return nil, handleError(err)
			}
			edits = append(edits, decoded...)
		}
		n, err := e.ReplaceTransitionsScopes(ctx, input.Body.RoleIDs, input.Body.TrackerIDs, edits, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ReplaceResponse{
			Pairs: countUnique(input.Body.RoleIDs) * countUnique(input.Body.TrackerIDs),
			Rules: n,
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-summary",
		Method:      http.MethodGet,
		Path:        "/workflows/summary",
		Summary:     "Transition counts per role and tracker",
		Tags:        []string{"workflows"},
	}, func(ctx context.Context, _ *struct{}) (*out[[]workflow.TransitionCount], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := e.TransitionCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(counts)), nil
	})
}

func registerPermissions(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-permission-matrix",
		Method:      http.MethodGet,
		Path:        "/workflows/permissions",
		Summary:     "Field permission editing matrix",
		Tags:        []string{"workflows"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *matrixInput) (*out[workflow.PermissionMatrix], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.PermissionMatrix(ctx, input.query())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-permissions",
		Method:      http.MethodPut,
		Path:        "/workflows/permissions",
		Summary:     "Replace field permissions",
		Tags:        []string{"workflows"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body ReplacePermissionsRequest
	}) (*out[ReplaceResponse], error) {
		p, authErr := requirePermission(ctx, auth.PermissionManage)
		if authErr != nil {
			return nil, authErr
		}
		edits := input.Body.Permissions
		if len(input.Body.Form) > 0 {
			decoded, err := workflow.DecodePermissionForm(input.Body.Form)
			if err != nil {
				return nil, handleError(err)
			}
			edits = append(edits, decoded...)
		}
		n, err := e.ReplaceFieldPermissionsScopes(ctx, input.Body.RoleIDs, input.Body.TrackerIDs, edits, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ReplaceResponse{
			Pairs: countUnique(input.Body.RoleIDs) * countUnique(input.Body.TrackerIDs),
			Rules: n,
		}), nil
	})
}

func registerCopy(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "copy-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/copy",
		Summary:     "Copy rules onto other roles and trackers",
		Description: "Targets are overwritten with the source rules. source_tracker_id -1 merges the source role's rules of every tracker.",
		Tags:        []string{"workflows"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CopyRequest
	}) (*out[workflow.CopyResult], error) {
		p, authErr := requirePermission(ctx, auth.PermissionManage)
		if authErr != nil {
			return nil, authErr
		}
		req := workflow.CopyRequest{
			SourceRoleID:     input.Body.SourceRoleID,
			TargetTrackerIDs: input.Body.TargetTrackerIDs,
			TargetRoleIDs:    input.Body.TargetRoleIDs,
		}
		if input.Body.SourceTrackerID != nil {
			req.SourceTrackerID = *input.Body.SourceTrackerID
		}
		res, err := e.DuplicateRules(ctx, req, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerChecks(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-transition",
		Method:      http.MethodPost,
		Path:        "/workflows/check",
		Summary:     "Evaluate transitions for an actor",
		Description: "Returns the statuses reachable from from_status_id. When to_status_id is set, allowed reports whether any of the roles permits that move.",
		Tags:        []string{"workflows"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CheckRequest
	}) (*out[CheckResponse], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		actor := workflow.ActorContext{IsAuthor: input.Body.IsAuthor, IsAssignee: input.Body.IsAssignee}
		targets, err := e.AllowedTargetStatusesForRoles(ctx, input.Body.RoleIDs, input.Body.TrackerID, input.Body.FromStatusID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := CheckResponse{AllowedTargets: nonNilSlice(targets)}
		if input.Body.ToStatusID != nil {
			allowed := false
			for _, roleID := range input.Body.RoleIDs {
				ok, err := e.IsTransitionAllowed(ctx, roleID, input.Body.TrackerID, input.Body.FromStatusID, *input.Body.ToStatusID, actor)
				if err != nil {
					return nil, handleError(err)
				}
				if ok {
					allowed = true
					break
				}
			}
			resp.Allowed = &allowed
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "field-rules",
		Method:      http.MethodGet,
		Path:        "/workflows/field-rules",
		Summary:     "Field access at a tracker and status",
		Description: "With field set and one role: that role's access and the selectable rules. " +
			"With field set and several roles: the merged editing value. " +
			"Without field: the runtime access of every field for a user holding all roles.",
		Tags:   []string{"workflows"},
		Errors: []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoleIDs   []int  `query:"role_id" required:"true"`
		TrackerID int    `query:"tracker_id" required:"true"`
		StatusID  int    `query:"status_id" required:"true"`
		Field     string `query:"field"`
	}) (*out[FieldRuleResponse], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		resp := FieldRuleResponse{RoleIDs: input.RoleIDs, Tracker: input.TrackerID, StatusID: input.StatusID}
		var err error
		switch {
		case input.Field == "":
			resp.Fields, err = e.EffectiveFieldRules(ctx, input.RoleIDs, input.TrackerID, input.StatusID)
		case len(input.RoleIDs) == 1:
			resp.Access, err = e.FieldRule(ctx, input.RoleIDs[0], input.TrackerID, input.StatusID, input.Field)
			if err == nil {
				resp.Options, err = e.FieldRuleOptions(ctx, input.Field)
			}
		default:
			resp.Access, err = e.ResolveEffectiveRuleAcrossRoles(ctx, input.RoleIDs, input.TrackerID, input.StatusID, input.Field)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return reply(resp), nil
	})
}

func registerEvents(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"workflow,status,role,tracker,custom_field,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*out[paginatedEvents], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorID, cursorErr := parseCursor(input.Cursor)
		if cursorErr != nil {
			return nil, cursorErr
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// items are newest first; the next page starts below the last one shown
			items = items[:limit]
			resp.NextCursor = formatCursor(items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}
