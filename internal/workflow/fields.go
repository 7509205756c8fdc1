package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"issueflow/internal/config"
	"issueflow/internal/domain"
	"issueflow/internal/events"
	"issueflow/internal/repo"
)

// FieldAccess is the effective access a role has to an issue field.
type FieldAccess string

const (
	AccessHidden   FieldAccess = "hidden"
	AccessRequired FieldAccess = "required"
	AccessReadOnly FieldAccess = "read_only"
	AccessEditable FieldAccess = "editable"
	// AccessNoChange marks roles that disagree in a merged editing view.
	AccessNoChange FieldAccess = "no_change"
)

// NoChange is the form value that leaves a permission cell unset.
const NoChange = "no_change"

// PermissionEdit is one submitted (status, field) cell of a permission form.
// An empty rule or NoChange stores nothing.
type PermissionEdit struct {
	StatusID  int    `json:"status_id"`
	FieldName string `json:"field_name"`
	Rule      string `json:"rule"`
}

// FieldState pairs a field with its effective access.
type FieldState struct {
	FieldName string      `json:"field_name"`
	Access    FieldAccess `json:"access"`
}

// field is the resolved descriptor of a core or custom field name.
type field struct {
	name   string
	label  string
	custom *domain.CustomField
}

func (f field) upstreamRequired() bool {
	if f.custom != nil {
		return f.custom.IsRequired
	}
	for _, name := range domain.AlwaysRequiredCoreFields {
		if name == f.name {
			return true
		}
	}
	return false
}

func (f field) hiddenFor(roleID int, tracker domain.Tracker) bool {
	if f.custom != nil {
		return !f.custom.VisibleTo(roleID) || !f.custom.EnabledFor(tracker.ID)
	}
	return !tracker.CoreFieldEnabled(f.name)
}

func customFieldName(id int) string {
	return strconv.Itoa(id)
}

// resolveField maps a field name to a core field or a custom field id.
func resolveField(name string, customs map[int]domain.CustomField) (field, error) {
	if domain.IsCoreField(name) {
		return field{name: name, label: name}, nil
	}
	id, err := strconv.Atoi(name)
	if err != nil || id <= 0 {
		return field{}, invalid("field_name", fmt.Sprintf("unknown field %q", name))
	}
	cf, ok := customs[id]
	if !ok {
		return field{}, repo.NotFoundError{Kind: "custom field", ID: id}
	}
	return field{name: name, label: cf.Name, custom: &cf}, nil
}

func (e Engine) customFieldIndex(ctx context.Context) (map[int]domain.CustomField, []domain.CustomField, error) {
	list, err := e.Repo.ListCustomFields(ctx)
	if err != nil {
		return nil, nil, err
	}
	idx := make(map[int]domain.CustomField, len(list))
	for _, cf := range list {
		idx[cf.ID] = cf
	}
	return idx, list, nil
}

func (e Engine) lookupField(ctx context.Context, name string) (field, error) {
	if domain.IsCoreField(name) {
		return field{name: name, label: name}, nil
	}
	id, err := strconv.Atoi(name)
	if err != nil || id <= 0 {
		return field{}, invalid("field_name", fmt.Sprintf("unknown field %q", name))
	}
	cf, err := e.Repo.GetCustomField(ctx, id)
	if err != nil {
		return field{}, err
	}
	return field{name: name, label: cf.Name, custom: &cf}, nil
}

// FieldRule returns the access of one role to a field at a tracker and status.
func (e Engine) FieldRule(ctx context.Context, roleID, trackerID, statusID int, fieldName string) (FieldAccess, error) {
	f, err := e.lookupField(ctx, fieldName)
	if err != nil {
		return "", err
	}
	if _, err := e.Repo.GetRole(ctx, roleID); err != nil {
		return "", err
	}
	tracker, err := e.Repo.GetTracker(ctx, trackerID)
	if err != nil {
		return "", err
	}
	if _, err := e.Repo.GetStatus(ctx, statusID); err != nil {
		return "", err
	}
	if f.hiddenFor(roleID, tracker) {
		e.Metrics.RecordCheck("field", false)
		return AccessHidden, nil
	}
	var stored string
	rule, err := e.Repo.GetPermission(ctx, roleID, trackerID, statusID, fieldName)
	switch {
	case err == nil:
		stored = rule.Rule
	case errors.Is(err, repo.ErrNotFound):
	default:
		return "", err
	}
	access := accessOf(stored, f)
	e.Metrics.RecordCheck("field", access != AccessReadOnly)
	return access, nil
}

// accessOf turns a stored rule into access. Fields required upstream stay
// required unless the stored rule makes them read-only.
func accessOf(stored string, f field) FieldAccess {
	switch stored {
	case domain.RuleReadOnly:
		return AccessReadOnly
	case domain.RuleRequired:
		return AccessRequired
	}
	if f.upstreamRequired() {
		return AccessRequired
	}
	return AccessEditable
}

// FieldRuleOptions lists the rules an administrator may pick for the field.
func (e Engine) FieldRuleOptions(ctx context.Context, fieldName string) ([]string, error) {
	f, err := e.lookupField(ctx, fieldName)
	if err != nil {
		return nil, err
	}
	return ruleOptions(f), nil
}

func ruleOptions(f field) []string {
	if f.upstreamRequired() {
		return []string{domain.RuleReadOnly}
	}
	return []string{domain.RuleReadOnly, domain.RuleRequired}
}

// ResolveEffectiveRuleAcrossRoles merges the stored rule of several roles for
// an editing view: the shared rule when every role stores exactly that rule,
// editable when none stores one, no_change otherwise.
func (e Engine) ResolveEffectiveRuleAcrossRoles(ctx context.Context, roleIDs []int, trackerID, statusID int, fieldName string) (FieldAccess, error) {
	if len(roleIDs) == 0 {
		return "", invalid("role_ids", "at least one role is required")
	}
	roleIDs = dedupeInts(roleIDs)
	if _, err := e.lookupField(ctx, fieldName); err != nil {
		return "", err
	}
	if err := e.ensureScope(ctx, roleIDs, []int{trackerID}); err != nil {
		return "", err
	}
	if err := e.ensureStatuses(ctx, e.DB, statusID); err != nil {
		return "", err
	}
	rules, err := e.Repo.ListPermissionsAt(ctx, roleIDs, trackerID, statusID)
	if err != nil {
		return "", err
	}
	var values []string
	for _, rule := range rules {
		if rule.FieldName == fieldName {
			values = append(values, rule.Rule)
		}
	}
	return mergeForEditing(values, len(roleIDs)), nil
}

// mergeForEditing merges explicit rules found for a cell shared by total scopes.
func mergeForEditing(values []string, total int) FieldAccess {
	if len(values) == 0 {
		return AccessEditable
	}
	if len(values) != total {
		return AccessNoChange
	}
	for _, v := range values[1:] {
		if v != values[0] {
			return AccessNoChange
		}
	}
	return FieldAccess(values[0])
}

// EffectiveFieldRules computes the runtime access of a user holding roleIDs
// to every field of the tracker at statusID. Roles are merged according to
// the configured field merge strategy.
func (e Engine) EffectiveFieldRules(ctx context.Context, roleIDs []int, trackerID, statusID int) ([]FieldState, error) {
	if len(roleIDs) == 0 {
		return nil, invalid("role_ids", "at least one role is required")
	}
	roleIDs = dedupeInts(roleIDs)
	if err := repo.EnsureExist(ctx, e.DB, "role", "roles", roleIDs); err != nil {
		return nil, err
	}
	tracker, err := e.Repo.GetTracker(ctx, trackerID)
	if err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetStatus(ctx, statusID); err != nil {
		return nil, err
	}
	_, customs, err := e.customFieldIndex(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := e.Repo.ListPermissionsAt(ctx, roleIDs, trackerID, statusID)
	if err != nil {
		return nil, err
	}
	stored := map[string]map[int]string{}
	for _, rule := range rules {
		if stored[rule.FieldName] == nil {
			stored[rule.FieldName] = map[int]string{}
		}
		stored[rule.FieldName][rule.RoleID] = rule.Rule
	}
	fields := trackerFields([]domain.Tracker{tracker}, customs)
	res := make([]FieldState, 0, len(fields))
	for _, f := range fields {
		var per []FieldAccess
		for _, roleID := range roleIDs {
			if f.hiddenFor(roleID, tracker) {
				continue
			}
			per = append(per, accessOf(stored[f.name][roleID], f))
		}
		res = append(res, FieldState{FieldName: f.name, Access: mergeRuntime(per, e.FieldMerge)})
	}
	return res, nil
}

// mergeRuntime combines the access of the roles that can see a field.
func mergeRuntime(per []FieldAccess, strategy string) FieldAccess {
	if len(per) == 0 {
		return AccessHidden
	}
	var readOnly, required int
	for _, a := range per {
		switch a {
		case AccessReadOnly:
			readOnly++
		case AccessRequired:
			required++
		}
	}
	if strategy == config.FieldMergeRestrictive {
		if readOnly > 0 {
			return AccessReadOnly
		}
	} else if readOnly == len(per) {
		return AccessReadOnly
	}
	if required > 0 {
		return AccessRequired
	}
	return AccessEditable
}

// trackerFields lists the core fields enabled by at least one tracker followed
// by the custom fields enabled for at least one of them.
func trackerFields(trackers []domain.Tracker, customs []domain.CustomField) []field {
	var res []field
	for _, name := range domain.CoreFields {
		for _, t := range trackers {
			if t.CoreFieldEnabled(name) {
				res = append(res, field{name: name, label: name})
				break
			}
		}
	}
	for i := range customs {
		cf := customs[i]
		for _, t := range trackers {
			if cf.EnabledFor(t.ID) {
				res = append(res, field{name: customFieldName(cf.ID), label: cf.Name, custom: &cf})
				break
			}
		}
	}
	return res
}

// ReplaceFieldPermissions rewrites every field permission of the (role, tracker) scope.
func (e Engine) ReplaceFieldPermissions(ctx context.Context, roleID, trackerID int, edits []PermissionEdit, actorID string) (int, error) {
	return e.ReplaceFieldPermissionsScopes(ctx, []int{roleID}, []int{trackerID}, edits, actorID)
}

// ReplaceFieldPermissionsScopes applies one edit set to every role x tracker
// pair in a single transaction.
func (e Engine) ReplaceFieldPermissionsScopes(ctx context.Context, roleIDs, trackerIDs []int, edits []PermissionEdit, actorID string) (n int, err error) {
	done := e.Metrics.StartWrite("replace_permissions")
	defer func() { done(err) }()

	if len(roleIDs) == 0 || len(trackerIDs) == 0 {
		return 0, invalid("scope", "at least one role and one tracker are required")
	}
	roleIDs, trackerIDs = dedupeInts(roleIDs), dedupeInts(trackerIDs)
	customs, _, err := e.customFieldIndex(ctx)
	if err != nil {
		return 0, err
	}
	rules, statusIDs, err := normalizePermissions(edits, customs)
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
	if err := repo.EnsureExist(ctx, tx, "status", "issue_statuses", statusIDs); err != nil {
		return 0, err
	}
	for _, roleID := range roleIDs {
		for _, trackerID := range trackerIDs {
			deleted, err := e.writePermissionsTx(ctx, tx, roleID, trackerID, rules)
			if err != nil {
				return 0, err
			}
			if err := e.Events.Append(ctx, tx, events.PermissionsReplaced, "workflow", events.ScopeID(roleID, trackerID), actorID, events.EventPayload{
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
	e.Metrics.AddRules("permission", len(rules)*len(roleIDs)*len(trackerIDs))
	e.Log.Info().Ints("roles", roleIDs).Ints("trackers", trackerIDs).Int("rules", len(rules)).Str("actor", actorID).Msg("field permissions replaced")
	return len(rules), nil
}

func (e Engine) writePermissionsTx(ctx context.Context, tx *sqlx.Tx, roleID, trackerID int, rules []domain.FieldPermissionRule) (int64, error) {
	deleted, err := e.Repo.DeletePermissionsTx(ctx, tx, roleID, trackerID)
	if err != nil {
		return 0, fmt.Errorf("delete permissions: %w", err)
	}
	for _, rule := range rules {
		rule.RoleID = roleID
		rule.TrackerID = trackerID
		if err := e.Repo.InsertPermissionTx(ctx, tx, rule); err != nil {
			return 0, fmt.Errorf("insert permission %d/%s: %w", rule.StatusID, rule.FieldName, err)
		}
	}
	return deleted, nil
}

func normalizePermissions(edits []PermissionEdit, customs map[int]domain.CustomField) ([]domain.FieldPermissionRule, []int, error) {
	type key struct {
		status int
		field  string
	}
	byKey := map[key]domain.FieldPermissionRule{}
	var order []key
	statusSet := map[int]struct{}{}
	for _, ed := range edits {
		rule := ed.Rule
		if rule == "readonly" {
			rule = domain.RuleReadOnly
		}
		k := key{ed.StatusID, ed.FieldName}
		if rule == "" || rule == NoChange {
			delete(byKey, k)
			continue
		}
		if rule != domain.RuleRequired && rule != domain.RuleReadOnly {
			return nil, nil, invalid("permissions", fmt.Sprintf("unknown rule %q for field %s", ed.Rule, ed.FieldName))
		}
		if ed.StatusID <= 0 {
			return nil, nil, invalid("permissions", fmt.Sprintf("invalid status id %d", ed.StatusID))
		}
		f, err := resolveField(ed.FieldName, customs)
		if err != nil {
			return nil, nil, err
		}
		if rule == domain.RuleRequired && f.upstreamRequired() {
			return nil, nil, ValidationError{Field: ed.FieldName, Err: ErrRequiredNotAllowed}
		}
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = domain.FieldPermissionRule{StatusID: ed.StatusID, FieldName: ed.FieldName, Rule: rule}
		statusSet[ed.StatusID] = struct{}{}
	}
	rules := make([]domain.FieldPermissionRule, 0, len(byKey))
	for _, k := range order {
		if rule, ok := byKey[k]; ok {
			rules = append(rules, rule)
			delete(byKey, k)
		}
	}
	return rules, sortedKeys(statusSet), nil
}
