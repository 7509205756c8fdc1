package workflow

import (
	"context"

	"issueflow/internal/domain"
	"issueflow/internal/events"
	"issueflow/internal/repo"
)

// AnyTracker selects the source role's rules across every tracker.
const AnyTracker = -1

// CopyRequest selects a source (tracker, role) pair and the targets that
// receive an exact copy of its rules. SourceTrackerID may be AnyTracker.
type CopyRequest struct {
	SourceTrackerID  int   `json:"source_tracker_id"`
	SourceRoleID     int   `json:"source_role_id"`
	TargetTrackerIDs []int `json:"target_tracker_ids"`
	TargetRoleIDs    []int `json:"target_role_ids"`
}

func (r CopyRequest) Validate() error {
	if r.SourceTrackerID == 0 || r.SourceRoleID == 0 || (r.SourceTrackerID < 0 && r.SourceTrackerID != AnyTracker) || r.SourceRoleID < 0 {
		return ValidationError{Field: "source", Err: ErrCopySourceRequired}
	}
	if len(r.TargetTrackerIDs) == 0 || len(r.TargetRoleIDs) == 0 {
		return ValidationError{Field: "target", Err: ErrCopyTargetRequired}
	}
	return nil
}

type CopyResult struct {
	Pairs       int `json:"pairs"`
	Transitions int `json:"transitions"`
	Permissions int `json:"permissions"`
}

// DuplicateRules overwrites the rules of every target (tracker, role) pair
// with the rules of the source. The copy is a single transaction and source
// rules are read before any target is cleared.
func (e Engine) DuplicateRules(ctx context.Context, req CopyRequest, actorID string) (res CopyResult, err error) {
	done := e.Metrics.StartWrite("copy")
	defer func() { done(err) }()

	if err := req.Validate(); err != nil {
		return CopyResult{}, err
	}
	targetTrackers := dedupeInts(req.TargetTrackerIDs)
	targetRoles := dedupeInts(req.TargetRoleIDs)

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return CopyResult{}, err
	}
	defer tx.Rollback()

	if err := repo.EnsureExist(ctx, tx, "role", "roles", []int{req.SourceRoleID}); err != nil {
		return CopyResult{}, err
	}
	filter := repo.RuleFilter{RoleIDs: []int{req.SourceRoleID}}
	if req.SourceTrackerID != AnyTracker {
		if err := repo.EnsureExist(ctx, tx, "tracker", "trackers", []int{req.SourceTrackerID}); err != nil {
			return CopyResult{}, err
		}
		filter.TrackerIDs = []int{req.SourceTrackerID}
	}
	if err := e.ensureScopeTx(ctx, tx, targetRoles, targetTrackers); err != nil {
		return CopyResult{}, err
	}

	srcTransitions, err := e.Repo.ListTransitionsTx(ctx, tx, filter)
	if err != nil {
		return CopyResult{}, err
	}
	srcPermissions, err := e.Repo.ListPermissionsTx(ctx, tx, filter)
	if err != nil {
		return CopyResult{}, err
	}
	transitions := unionTransitions(srcTransitions)
	permissions := unionPermissions(srcPermissions)

	for _, trackerID := range targetTrackers {
		for _, roleID := range targetRoles {
			if _, err := e.writeTransitionsTx(ctx, tx, roleID, trackerID, transitions); err != nil {
				return CopyResult{}, err
			}
			if _, err := e.writePermissionsTx(ctx, tx, roleID, trackerID, permissions); err != nil {
				return CopyResult{}, err
			}
			source := events.EventPayload{"source_role_id": req.SourceRoleID, "source_tracker_id": req.SourceTrackerID}
			if req.SourceTrackerID == AnyTracker {
				source["source_tracker_id"] = "any"
			}
			source["transitions"] = len(transitions)
			source["permissions"] = len(permissions)
			if err := e.Events.Append(ctx, tx, events.RulesCopied, "workflow", events.ScopeID(roleID, trackerID), actorID, source); err != nil {
				return CopyResult{}, err
			}
			res.Pairs++
		}
	}
	if err := tx.Commit(); err != nil {
		return CopyResult{}, err
	}
	res.Transitions = len(transitions)
	res.Permissions = len(permissions)
	e.Metrics.AddRules("transition", res.Transitions*res.Pairs)
	e.Metrics.AddRules("permission", res.Permissions*res.Pairs)
	e.Log.Info().
		Int("source_role", req.SourceRoleID).
		Int("source_tracker", req.SourceTrackerID).
		Ints("target_roles", targetRoles).
		Ints("target_trackers", targetTrackers).
		Str("actor", actorID).
		Msg("workflow rules copied")
	return res, nil
}

// unionTransitions folds rules of several trackers into one set keyed by
// (from, to); flags of the same cell are ORed.
func unionTransitions(rules []domain.TransitionRule) []domain.TransitionRule {
	type key struct{ from, to int }
	idx := map[key]int{}
	var out []domain.TransitionRule
	for _, r := range rules {
		k := key{r.FromStatusID, r.ToStatusID}
		if i, ok := idx[k]; ok {
			out[i].Always = out[i].Always || r.Always
			out[i].AuthorOnly = out[i].AuthorOnly || r.AuthorOnly
			out[i].AssigneeOnly = out[i].AssigneeOnly || r.AssigneeOnly
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

// unionPermissions keeps one rule per (status, field); rules arrive ordered by
// tracker so the lowest tracker id wins.
func unionPermissions(rules []domain.FieldPermissionRule) []domain.FieldPermissionRule {
	type key struct {
		status int
		field  string
	}
	seen := map[key]struct{}{}
	var out []domain.FieldPermissionRule
	for _, r := range rules {
		k := key{r.StatusID, r.FieldName}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
