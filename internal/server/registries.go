package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"issueflow/internal/domain"
	"issueflow/internal/workflow"
	"issueflow/internal/workflow/auth"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerRegistries(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-statuses",
		Method:      http.MethodGet,
		Path:        "/statuses",
		Summary:     "List issue statuses",
		Tags:        []string{"registries"},
	}, func(ctx context.Context, _ *struct{}) (*out[[]domain.Status], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListStatuses(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-status",
		Method:        http.MethodPost,
		Path:          "/statuses",
		Summary:       "Create issue status",
		Tags:          []string{"registries"},
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateStatusRequest
	}) (*out[domain.Status], error) {
		p, authErr := requirePermission(ctx, auth.PermissionManage)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStatus(ctx, domain.Status{
			Name:     input.Body.Name,
			IsClosed: input.Body.IsClosed,
			Position: input.Body.Position,
		}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List roles",
		Description: "With workflow_only=true only roles that can add or edit issues are returned.",
		Tags:        []string{"registries"},
	}, func(ctx context.Context, input *struct {
		WorkflowOnly bool `query:"workflow_only"`
	}) (*out[[]domain.Role], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		list := e.Repo.ListRoles
		if input.WorkflowOnly {
			list = e.Repo.ListWorkflowRoles
		}
		items, err := list(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-role",
		Method:        http.MethodPost,
		Path:          "/roles",
		Summary:       "Create role",
		Tags:          []string{"registries"},
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRoleRequest
	}) (*out[domain.Role], error) {
		p, authErr := requirePermission(ctx, auth.PermissionManage)
		if authErr != nil {
			return nil, authErr
		}
		role, err := e.CreateRole(ctx, domain.Role{
			Name:        input.Body.Name,
			Position:    input.Body.Position,
			Builtin:     input.Body.Builtin,
			Permissions: input.Body.Permissions,
		}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(role), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-trackers",
		Method:      http.MethodGet,
		Path:        "/trackers",
		Summary:     "List trackers",
		Tags:        []string{"registries"},
	}, func(ctx context.Context, _ *struct{}) (*out[[]domain.Tracker], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTrackers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-tracker",
		Method:        http.MethodPost,
		Path:          "/trackers",
		Summary:       "Create tracker",
		Tags:          []string{"registries"},
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTrackerRequest
	}) (*out[domain.Tracker], error) {
		p, authErr := requirePermission(ctx, auth.PermissionManage)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTracker(ctx, domain.Tracker{
			Name:               input.Body.Name,
			Position:           input.Body.Position,
			DefaultStatusID:    input.Body.DefaultStatusID,
			DisabledCoreFields: input.Body.DisabledCoreFields,
		}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-custom-fields",
		Method:      http.MethodGet,
		Path:        "/custom-fields",
		Summary:     "List issue custom fields",
		Tags:        []string{"registries"},
	}, func(ctx context.Context, _ *struct{}) (*out[[]domain.CustomField], error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListCustomFields(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-custom-field",
		Method:        http.MethodPost,
		Path:          "/custom-fields",
		Summary:       "Create issue custom field",
		Tags:          []string{"registries"},
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateCustomFieldRequest
	}) (*out[domain.CustomField], error) {
		p, authErr := requirePermission(ctx, auth.PermissionManage)
		if authErr != nil {
			return nil, authErr
		}
		visible := true
		if input.Body.Visible != nil {
			visible = *input.Body.Visible
		}
		cf, err := e.CreateCustomField(ctx, domain.CustomField{
			Name:        input.Body.Name,
			FieldFormat: input.Body.FieldFormat,
			IsRequired:  input.Body.IsRequired,
			Visible:     visible,
			RoleIDs:     input.Body.RoleIDs,
			TrackerIDs:  input.Body.TrackerIDs,
		}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(cf), nil
	})
}

func registerAPIKeys(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		Description:   "The plaintext key is only returned by this call.",
		Tags:          []string{"auth"},
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*out[APIKeyResponse], error) {
		p, authErr := requirePermission(ctx, auth.PermissionManage)
		if authErr != nil {
			return nil, authErr
		}
		plain, key, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name, input.Body.Permissions, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = plain
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Tags:        []string{"auth"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*out[[]APIKeyResponse], error) {
		if _, authErr := requirePermission(ctx, auth.PermissionManage); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			items = append(items, apiKeyResponse(k))
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Delete API key",
		Tags:          []string{"auth"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requirePermission(ctx, auth.PermissionManage); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
