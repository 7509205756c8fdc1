package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"issueflow/internal/config"
	"issueflow/internal/domain"
	"issueflow/internal/events"
	"issueflow/internal/logger"
	"issueflow/internal/metrics"
	"issueflow/internal/repo"
)

type Engine struct {
	DB         *sqlx.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Metrics    *metrics.Metrics
	Log        zerolog.Logger
	Now        func() time.Time
	FieldMerge string
}

func New(db *sqlx.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{Now: time.Now},
		Config:     cfg,
		Metrics:    metrics.Default(),
		Log:        logger.With("workflow"),
		Now:        time.Now,
		FieldMerge: cfg.Workflow.FieldMerge,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ActorContext describes the acting user relative to the issue.
type ActorContext struct {
	IsAuthor   bool `json:"is_author"`
	IsAssignee bool `json:"is_assignee"`
}

// Permits applies the flag semantics of a stored transition.
func Permits(rule domain.TransitionRule, actor ActorContext) bool {
	return rule.Always || (rule.AuthorOnly && actor.IsAuthor) || (rule.AssigneeOnly && actor.IsAssignee)
}

// TransitionEdit is one submitted (from, to) cell of a transition form.
type TransitionEdit struct {
	FromStatusID int  `json:"from_status_id"`
	ToStatusID   int  `json:"to_status_id"`
	Always       bool `json:"always,omitempty"`
	AuthorOnly   bool `json:"author_only,omitempty"`
	AssigneeOnly bool `json:"assignee_only,omitempty"`
}

// IsTransitionAllowed reports whether the actor may move an issue from one
// status to another. A status may always transition to itself.
func (e Engine) IsTransitionAllowed(ctx context.Context, roleID, trackerID, fromID, toID int, actor ActorContext) (bool, error) {
	if fromID == toID {
		e.Metrics.RecordCheck("transition", true)
		return true, nil
	}
	rule, err := e.Repo.GetTransition(ctx, roleID, trackerID, fromID, toID)
	if err == nil {
		allowed := Permits(rule, actor)
		e.Metrics.RecordCheck("transition", allowed)
		return allowed, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if err := e.ensureScope(ctx, []int{roleID}, []int{trackerID}); err != nil {
		return false, err
	}
	if err := e.ensureStatuses(ctx, e.DB, fromID, toID); err != nil {
		return false, err
	}
	e.Metrics.RecordCheck("transition", false)
	return false, nil
}

// AllowedTargetStatuses lists the statuses reachable from fromID, including
// fromID itself unless it is the new issue pseudo-status.
func (e Engine) AllowedTargetStatuses(ctx context.Context, roleID, trackerID, fromID int, actor ActorContext) ([]domain.Status, error) {
	return e.AllowedTargetStatusesForRoles(ctx, []int{roleID}, trackerID, fromID, actor)
}

// AllowedTargetStatusesForRoles is the union of AllowedTargetStatuses over roles.
func (e Engine) AllowedTargetStatusesForRoles(ctx context.Context, roleIDs []int, trackerID, fromID int, actor ActorContext) ([]domain.Status, error) {
	if len(roleIDs) == 0 {
		return nil, invalid("role_ids", "at least one role is required")
	}
	if err := e.ensureScope(ctx, roleIDs, []int{trackerID}); err != nil {
		return nil, err
	}
	if err := e.ensureStatuses(ctx, e.DB, fromID); err != nil {
		return nil, err
	}
	rules, err := e.Repo.ListTransitionsFrom(ctx, roleIDs, trackerID, fromID)
	if err != nil {
		return nil, err
	}
	allowed := map[int]bool{}
	if fromID != domain.NewIssueStatus {
		allowed[fromID] = true
	}
	for _, rule := range rules {
		if Permits(rule, actor) {
			allowed[rule.ToStatusID] = true
		}
	}
	statuses, err := e.Repo.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Status, 0, len(allowed))
	for _, s := range statuses {
		if allowed[s.ID] {
			res = append(res, s)
		}
	}
	return res, nil
}

// ReplaceTransitions rewrites every transition of the (role, tracker) scope.
func (e Engine) ReplaceTransitions(ctx context.Context, roleID, trackerID int, edits []TransitionEdit, actorID string) (int, error) {
	return e.ReplaceTransitionsScopes(ctx, []int{roleID}, []int{trackerID}, edits, actorID)
}

// ReplaceTransitionsScopes applies one edit set to every role x tracker pair
// in a single transaction. It returns the number of rules stored per pair.
func (e Engine) ReplaceTransitionsScopes(ctx context.Context, roleIDs, trackerIDs []int, edits []TransitionEdit, actorID string) (n int, err error) {
	done := e.Metrics.StartWrite("replace_transitions")
	defer func() { done(err) }()

	if len(roleIDs) == 0 || len(trackerIDs) == 0 {
		return 0, invalid("scope", "at least one role and one tracker are required")
	}
	roleIDs, trackerIDs = dedupeInts(roleIDs), dedupeInts(trackerIDs)
	rules, statusIDs, err := normalizeTransitions(edits)
	if err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := e.ensureScopeTx(ctx, tx, roleIDs, trackerIDs); err != nil {
		return 0, err
	}
	if err := e.ensureStatuses(ctx, tx, statusIDs...); err != nil {
		return 0, err
	}
	for _, roleID := range roleIDs {
		for _, trackerID := range trackerIDs {
			deleted, err := e.writeTransitionsTx(ctx, tx, roleID, trackerID, rules)
			if err != nil {
				return 0, err
			}
			if err := e.Events.Append(ctx, tx, events.TransitionsReplaced, "workflow", events.ScopeID(roleID, trackerID), actorID, events.EventPayload{
				"role_id":    roleID,
				"tracker_id": trackerID,
				"deleted":    deleted,
				"inserted":   len(rules),
			}); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.Metrics.AddRules("transition", len(rules)*len(roleIDs)*len(trackerIDs))
	e.Log.Info().Ints("roles", roleIDs).Ints("trackers", trackerIDs).Int("rules", len(rules)).Str("actor", actorID).Msg("transitions replaced")
	return len(rules), nil
}

// writeTransitionsTx clears the scope and stores rules under it.
func (e Engine) writeTransitionsTx(ctx context.Context, tx *sqlx.Tx, roleID, trackerID int, rules []domain.TransitionRule) (int64, error) {
	deleted, err := e.Repo.DeleteTransitionsTx(ctx, tx, roleID, trackerID)
	if err != nil {
		return 0, fmt.Errorf("delete transitions: %w", err)
	}
	for _, rule := range rules {
		rule.RoleID = roleID
		rule.TrackerID = trackerID
		if err := e.Repo.InsertTransitionTx(ctx, tx, rule); err != nil {
			return 0, fmt.Errorf("insert transition %d->%d: %w", rule.FromStatusID, rule.ToStatusID, err)
		}
	}
	return deleted, nil
}

// normalizeTransitions drops self transitions and cells without flags. A
// later edit of the same cell replaces an earlier one.
func normalizeTransitions(edits []TransitionEdit) ([]domain.TransitionRule, []int, error) {
	type key struct{ from, to int }
	byKey := map[key]domain.TransitionRule{}
	var order []key
	statusSet := map[int]struct{}{}
	for _, ed := range edits {
		if ed.FromStatusID < 0 || ed.ToStatusID < 0 {
			return nil, nil, invalid("transitions", fmt.Sprintf("invalid status id in %d->%d", ed.FromStatusID, ed.ToStatusID))
		}
		if ed.FromStatusID == ed.ToStatusID {
			continue
		}
		if ed.ToStatusID == domain.NewIssueStatus {
			return nil, nil, invalid("transitions", fmt.Sprintf("status %d is not a valid target", domain.NewIssueStatus))
		}
		rule := domain.TransitionRule{
			FromStatusID: ed.FromStatusID,
			ToStatusID:   ed.ToStatusID,
			Always:       ed.Always,
			AuthorOnly:   ed.AuthorOnly,
			AssigneeOnly: ed.AssigneeOnly,
		}
		k := key{ed.FromStatusID, ed.ToStatusID}
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = rule
		statusSet[ed.FromStatusID] = struct{}{}
		statusSet[ed.ToStatusID] = struct{}{}
	}
	rules := make([]domain.TransitionRule, 0, len(order))
	for _, k := range order {
		if rule := byKey[k]; rule.Enabled() {
			rules = append(rules, rule)
		}
	}
	return rules, sortedKeys(statusSet), nil
}

// TransitionCount is the number of transitions stored for a (role, tracker) pair.
type TransitionCount = repo.TransitionCount

func (e Engine) TransitionCounts(ctx context.Context) ([]TransitionCount, error) {
	return e.Repo.TransitionCounts(ctx)
}

func (e Engine) ensureScope(ctx context.Context, roleIDs, trackerIDs []int) error {
	if err := repo.EnsureExist(ctx, e.DB, "role", "roles", roleIDs); err != nil {
		return err
	}
	return repo.EnsureExist(ctx, e.DB, "tracker", "trackers", trackerIDs)
}

func (e Engine) ensureScopeTx(ctx context.Context, tx *sqlx.Tx, roleIDs, trackerIDs []int) error {
	if err := repo.EnsureExist(ctx, tx, "role", "roles", roleIDs); err != nil {
		return err
	}
	return repo.EnsureExist(ctx, tx, "tracker", "trackers", trackerIDs)
}

// ensureStatuses checks that every id except the new issue pseudo-status exists.
func (e Engine) ensureStatuses(ctx context.Context, q sqlx.QueryerContext, ids ...int) error {
	var stored []int
	for _, id := range ids {
		if id != domain.NewIssueStatus {
			stored = append(stored, id)
		}
	}
	return repo.EnsureExist(ctx, q, "status", "issue_statuses", dedupeInts(stored))
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func dedupeInts(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
