package domain

// NewIssueStatus is the pseudo-status used as the source of initial transitions.
const NewIssueStatus = 0

type Status struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	IsClosed bool   `json:"is_closed"`
	Position int    `json:"position"`
}

type Role struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Position    int      `json:"position"`
	Builtin     int      `json:"builtin"`
	Permissions []string `json:"permissions"`
}

// ConsidersWorkflow reports whether the role can add or edit issues.
func (r Role) ConsidersWorkflow() bool {
	for _, p := range r.Permissions {
		if p == PermissionAddIssues || p == PermissionEditIssues {
			return true
		}
	}
	return false
}

const (
	PermissionAddIssues  = "add_issues"
	PermissionEditIssues = "edit_issues"
)

type Tracker struct {
	ID                 int      `json:"id"`
	Name               string   `json:"name"`
	Position           int      `json:"position"`
	DefaultStatusID    int      `json:"default_status_id"`
	DisabledCoreFields []string `json:"disabled_core_fields,omitempty"`
}

// CoreFieldEnabled is false for core fields the tracker turned off.
func (t Tracker) CoreFieldEnabled(field string) bool {
	for _, f := range t.DisabledCoreFields {
		if f == field {
			return false
		}
	}
	return true
}

type CustomField struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	FieldFormat string `json:"field_format"`
	IsRequired  bool   `json:"is_required"`
	Visible     bool   `json:"visible"`
	RoleIDs     []int  `json:"role_ids,omitempty"`
	TrackerIDs  []int  `json:"tracker_ids,omitempty"`
}

// VisibleTo reports whether members of the role can see values of the field.
func (f CustomField) VisibleTo(roleID int) bool {
	if f.Visible {
		return true
	}
	for _, id := range f.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// EnabledFor reports whether the field is used by issues of the tracker.
func (f CustomField) EnabledFor(trackerID int) bool {
	for _, id := range f.TrackerIDs {
		if id == trackerID {
			return true
		}
	}
	return false
}

type TransitionRule struct {
	RoleID       int  `json:"role_id" db:"role_id"`
	TrackerID    int  `json:"tracker_id" db:"tracker_id"`
	FromStatusID int  `json:"from_status_id" db:"old_status_id"`
	ToStatusID   int  `json:"to_status_id" db:"new_status_id"`
	Always       bool `json:"always" db:"always"`
	AuthorOnly   bool `json:"author_only" db:"author"`
	AssigneeOnly bool `json:"assignee_only" db:"assignee"`
}

// Enabled is false when no flag is set; such a rule is never persisted.
func (t TransitionRule) Enabled() bool {
	return t.Always || t.AuthorOnly || t.AssigneeOnly
}

type FieldPermissionRule struct {
	RoleID    int    `json:"role_id" db:"role_id"`
	TrackerID int    `json:"tracker_id" db:"tracker_id"`
	StatusID  int    `json:"status_id" db:"old_status_id"`
	FieldName string `json:"field_name" db:"field_name"`
	Rule      string `json:"rule" db:"rule" enum:"required,read_only"`
}

const (
	RuleRequired = "required"
	RuleReadOnly = "read_only"
)

// CoreFields lists the built-in issue attributes that accept field permissions.
var CoreFields = []string{
	"project_id", "tracker_id", "subject", "priority_id", "is_private",
	"assigned_to_id", "category_id", "fixed_version_id", "parent_issue_id",
	"start_date", "due_date", "estimated_hours", "done_ratio", "description",
}

// AlwaysRequiredCoreFields are required on every issue regardless of workflow.
var AlwaysRequiredCoreFields = []string{"project_id", "tracker_id", "subject", "priority_id", "is_private"}

func IsCoreField(name string) bool {
	for _, f := range CoreFields {
		if f == name {
			return true
		}
	}
	return false
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"key_hash"`
	Permissions []string `json:"permissions,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}
