package workflow

import (
	"context"
	"sort"

	"issueflow/internal/domain"
	"issueflow/internal/repo"
)

// CellState is the merged state of a checkbox across the selected scopes.
type CellState string

const (
	CellChecked   CellState = "checked"
	CellUnchecked CellState = "unchecked"
	CellNoChange  CellState = "no_change"
)

// MatrixQuery selects the scopes of an editing matrix. Empty role or tracker
// lists select every workflow role or every tracker.
type MatrixQuery struct {
	RoleIDs          []int
	TrackerIDs       []int
	UsedStatusesOnly bool
}

type TransitionCell struct {
	ToStatusID int       `json:"to_status_id"`
	Self       bool      `json:"self,omitempty"`
	Always     CellState `json:"always"`
	Author     CellState `json:"author"`
	Assignee   CellState `json:"assignee"`
}

type TransitionRow struct {
	FromStatusID int              `json:"from_status_id"`
	Cells        []TransitionCell `json:"cells"`
}

type TransitionMatrix struct {
	Roles    []domain.Role    `json:"roles"`
	Trackers []domain.Tracker `json:"trackers"`
	Statuses []domain.Status  `json:"statuses"`
	Rows     []TransitionRow  `json:"rows"`
}

type FieldColumn struct {
	Name    string   `json:"name"`
	Label   string   `json:"label"`
	Custom  bool     `json:"custom,omitempty"`
	Options []string `json:"options"`
}

type PermissionCell struct {
	FieldName string      `json:"field_name"`
	Value     FieldAccess `json:"value"`
}

type PermissionRow struct {
	StatusID int              `json:"status_id"`
	Cells    []PermissionCell `json:"cells"`
}

type PermissionMatrix struct {
	Roles    []domain.Role    `json:"roles"`
	Trackers []domain.Tracker `json:"trackers"`
	Statuses []domain.Status  `json:"statuses"`
	Fields   []FieldColumn    `json:"fields"`
	Rows     []PermissionRow  `json:"rows"`
}

type matrixScope struct {
	roles    []domain.Role
	trackers []domain.Tracker
	statuses []domain.Status
	filter   repo.RuleFilter
}

func (s matrixScope) pairs() int { return len(s.roles) * len(s.trackers) }

func (e Engine) resolveScope(ctx context.Context, q MatrixQuery) (matrixScope, error) {
	var scope matrixScope
	var err error
	if len(q.RoleIDs) == 0 {
		scope.roles, err = e.Repo.ListWorkflowRoles(ctx)
	} else {
		scope.roles, err = e.rolesByID(ctx, dedupeInts(q.RoleIDs))
	}
	if err != nil {
		return scope, err
	}
	if len(q.TrackerIDs) == 0 {
		scope.trackers, err = e.Repo.ListTrackers(ctx)
	} else {
		scope.trackers, err = e.trackersByID(ctx, dedupeInts(q.TrackerIDs))
	}
	if err != nil {
		return scope, err
	}
	for _, r := range scope.roles {
		scope.filter.RoleIDs = append(scope.filter.RoleIDs, r.ID)
	}
	for _, t := range scope.trackers {
		scope.filter.TrackerIDs = append(scope.filter.TrackerIDs, t.ID)
	}
	scope.statuses, err = e.Repo.ListStatuses(ctx)
	if err != nil {
		return scope, err
	}
	if q.UsedStatusesOnly && len(scope.trackers) > 0 {
		used, err := e.Repo.UsedStatusIDs(ctx, scope.filter.TrackerIDs)
		if err != nil {
			return scope, err
		}
		// Trackers without any transition fall back to every status.
		if len(used) > 0 {
			keep := map[int]bool{}
			for _, id := range used {
				keep[id] = true
			}
			filtered := scope.statuses[:0]
			for _, s := range scope.statuses {
				if keep[s.ID] {
					filtered = append(filtered, s)
				}
			}
			scope.statuses = filtered
		}
	}
	return scope, nil
}

func (e Engine) rolesByID(ctx context.Context, ids []int) ([]domain.Role, error) {
	res := make([]domain.Role, 0, len(ids))
	for _, id := range ids {
		r, err := e.Repo.GetRole(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Position < res[j].Position })
	return res, nil
}

func (e Engine) trackersByID(ctx context.Context, ids []int) ([]domain.Tracker, error) {
	res := make([]domain.Tracker, 0, len(ids))
	for _, id := range ids {
		t, err := e.Repo.GetTracker(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Position < res[j].Position })
	return res, nil
}

func stateOf(set, total int) CellState {
	switch {
	case total > 0 && set == total:
		return CellChecked
	case set == 0:
		return CellUnchecked
	default:
		return CellNoChange
	}
}

// TransitionMatrix returns the editing matrix of the selected scopes. Rows
// start with the new issue pseudo-status; self cells are always checked.
func (e Engine) TransitionMatrix(ctx context.Context, q MatrixQuery) (TransitionMatrix, error) {
	scope, err := e.resolveScope(ctx, q)
	if err != nil {
		return TransitionMatrix{}, err
	}
	m := TransitionMatrix{Roles: scope.roles, Trackers: scope.trackers, Statuses: scope.statuses}
	if scope.pairs() == 0 {
		return m, nil
	}
	rules, err := e.Repo.ListTransitions(ctx, scope.filter)
	if err != nil {
		return TransitionMatrix{}, err
	}
	type key struct{ from, to int }
	type counts struct{ always, author, assignee int }
	tally := map[key]*counts{}
	for _, r := range rules {
		k := key{r.FromStatusID, r.ToStatusID}
		c := tally[k]
		if c == nil {
			c = &counts{}
			tally[k] = c
		}
		if r.Always {
			c.always++
		}
		if r.AuthorOnly {
			c.author++
		}
		if r.AssigneeOnly {
			c.assignee++
		}
	}
	total := scope.pairs()
	from := append([]int{domain.NewIssueStatus}, statusIDs(scope.statuses)...)
	for _, f := range from {
		row := TransitionRow{FromStatusID: f}
		for _, s := range scope.statuses {
			if s.ID == f {
				row.Cells = append(row.Cells, TransitionCell{ToStatusID: s.ID, Self: true, Always: CellChecked, Author: CellChecked, Assignee: CellChecked})
				continue
			}
			c := tally[key{f, s.ID}]
			if c == nil {
				c = &counts{}
			}
			row.Cells = append(row.Cells, TransitionCell{
				ToStatusID: s.ID,
				Always:     stateOf(c.always, total),
				Author:     stateOf(c.author, total),
				Assignee:   stateOf(c.assignee, total),
			})
		}
		m.Rows = append(m.Rows, row)
	}
	return m, nil
}

// PermissionMatrix returns the field permission editing matrix of the
// selected scopes. Cells hold the shared rule, editable or no_change; custom
// fields hidden from every selected role are reported hidden.
func (e Engine) PermissionMatrix(ctx context.Context, q MatrixQuery) (PermissionMatrix, error) {
	scope, err := e.resolveScope(ctx, q)
	if err != nil {
		return PermissionMatrix{}, err
	}
	m := PermissionMatrix{Roles: scope.roles, Trackers: scope.trackers, Statuses: scope.statuses}
	_, customs, err := e.customFieldIndex(ctx)
	if err != nil {
		return PermissionMatrix{}, err
	}
	fields := trackerFields(scope.trackers, customs)
	for _, f := range fields {
		m.Fields = append(m.Fields, FieldColumn{Name: f.name, Label: f.label, Custom: f.custom != nil, Options: ruleOptions(f)})
	}
	if scope.pairs() == 0 {
		return m, nil
	}
	rules, err := e.Repo.ListPermissions(ctx, scope.filter)
	if err != nil {
		return PermissionMatrix{}, err
	}
	type key struct {
		status int
		field  string
	}
	values := map[key][]string{}
	for _, r := range rules {
		k := key{r.StatusID, r.FieldName}
		values[k] = append(values[k], r.Rule)
	}
	total := scope.pairs()
	for _, s := range scope.statuses {
		row := PermissionRow{StatusID: s.ID}
		for _, f := range fields {
			cell := PermissionCell{FieldName: f.name}
			if f.custom != nil && hiddenFromAll(*f.custom, scope.roles) {
				cell.Value = AccessHidden
			} else {
				cell.Value = mergeForEditing(values[key{s.ID, f.name}], total)
			}
			row.Cells = append(row.Cells, cell)
		}
		m.Rows = append(m.Rows, row)
	}
	return m, nil
}

func hiddenFromAll(cf domain.CustomField, roles []domain.Role) bool {
	for _, r := range roles {
		if cf.VisibleTo(r.ID) {
			return false
		}
	}
	return true
}

func statusIDs(statuses []domain.Status) []int {
	out := make([]int, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s.ID)
	}
	return out
}
