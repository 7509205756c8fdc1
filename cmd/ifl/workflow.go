package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"issueflow/internal/domain"
	"issueflow/internal/workflow"
)

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Edit and evaluate workflow rules",
		Long: `Rules are keyed by (role, tracker). Editing replaces every rule of the
selected pairs, so pass the complete set each time.`,
	}
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowFieldsCmd())
	wf.AddCommand(workflowEditCmd())
	wf.AddCommand(workflowPermissionsCmd())
	wf.AddCommand(workflowCopyCmd())
	wf.AddCommand(workflowCheckCmd())
	wf.AddCommand(workflowRuleCmd())
	wf.AddCommand(workflowSummaryCmd())
	return wf
}

func workflowShowCmd() *cobra.Command {
	var roles, trackers []int
	var usedOnly bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the transition matrix",
		Long:  "Cells list the flags set for every selected pair: A always, a author, s assignee, ~ differs between pairs, = same status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				m, err := e.TransitionMatrix(ctx, workflow.MatrixQuery{RoleIDs: roles, TrackerIDs: trackers, UsedStatusesOnly: usedOnly})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				printScope(m.Roles, m.Trackers)
				names := statusNames(m.Statuses)
				header := table.Row{"from \\ to"}
				for _, s := range m.Statuses {
					header = append(header, s.Name)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(header)
				for _, r := range m.Rows {
					row := table.Row{names[r.FromStatusID]}
					for _, c := range r.Cells {
						row = append(row, transitionCellLabel(c))
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntSliceVar(&roles, "role", nil, "role id (repeatable, default all workflow roles)")
	cmd.Flags().IntSliceVar(&trackers, "tracker", nil, "tracker id (repeatable, default all)")
	cmd.Flags().BoolVar(&usedOnly, "used-statuses-only", false, "only statuses used by the trackers")
	return cmd
}

func workflowFieldsCmd() *cobra.Command {
	var roles, trackers []int
	var usedOnly bool
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "Show the field permission matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				m, err := e.PermissionMatrix(ctx, workflow.MatrixQuery{RoleIDs: roles, TrackerIDs: trackers, UsedStatusesOnly: usedOnly})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				printScope(m.Roles, m.Trackers)
				names := statusNames(m.Statuses)
				header := table.Row{"status"}
				for _, f := range m.Fields {
					header = append(header, f.Label)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(header)
				for _, r := range m.Rows {
					row := table.Row{names[r.StatusID]}
					for _, c := range r.Cells {
						row = append(row, string(c.Value))
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntSliceVar(&roles, "role", nil, "role id (repeatable, default all workflow roles)")
	cmd.Flags().IntSliceVar(&trackers, "tracker", nil, "tracker id (repeatable, default all)")
	cmd.Flags().BoolVar(&usedOnly, "used-statuses-only", false, "only statuses used by the trackers")
	return cmd
}

func workflowEditCmd() *cobra.Command {
	var roles, trackers []int
	var edges []string
	var formFile string
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Replace the transitions of roles and trackers",
		Example: `  ifl workflow edit --role 2 --tracker 1 --edge 1:2 --edge 2:3:assignee
  ifl workflow edit --role 2,3 --tracker 1 --form transitions.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var edits []workflow.TransitionEdit
			for _, raw := range edges {
				edit, err := parseEdge(raw)
				if err != nil {
					return err
				}
				edits = append(edits, edit)
			}
			if formFile != "" {
				var form map[string]map[string]any
				if err := readJSONFile(formFile, &form); err != nil {
					return err
				}
				decoded, err := workflow.DecodeTransitionForm(form)
				if err != nil {
					return err
				}
				edits = append(edits, decoded...)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				n, err := e.ReplaceTransitionsScopes(ctx, roles, trackers, edits, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(map[string]any{"pairs": len(roles) * len(trackers), "rules": n},
					fmt.Sprintf("stored %d transitions on each of %d role/tracker pairs", n, len(roles)*len(trackers)))
			})
		},
	}
	cmd.Flags().IntSliceVar(&roles, "role", nil, "role id (repeatable)")
	cmd.Flags().IntSliceVar(&trackers, "tracker", nil, "tracker id (repeatable)")
	cmd.Flags().StringArrayVar(&edges, "edge", nil, "from:to[:always|author|assignee,...] (repeatable)")
	cmd.Flags().StringVar(&formFile, "form", "", "JSON file of {from: {to: flags}}")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("tracker")
	return cmd
}

func workflowPermissionsCmd() *cobra.Command {
	var roles, trackers []int
	var rules []string
	var formFile string
	cmd := &cobra.Command{
		Use:     "permissions",
		Short:   "Replace the field permissions of roles and trackers",
		Example: `  ifl workflow permissions --role 2 --tracker 1 --rule 1:assigned_to_id:read_only --rule 3:due_date:required`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var edits []workflow.PermissionEdit
			for _, raw := range rules {
				edit, err := parsePermission(raw)
				if err != nil {
					return err
				}
				edits = append(edits, edit)
			}
			if formFile != "" {
				var form map[string]map[string]string
				if err := readJSONFile(formFile, &form); err != nil {
					return err
				}
				decoded, err := workflow.DecodePermissionForm(form)
				if err != nil {
					return err
				}
				edits = append(edits, decoded...)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				n, err := e.ReplaceFieldPermissionsScopes(ctx, roles, trackers, edits, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(map[string]any{"pairs": len(roles) * len(trackers), "rules": n},
					fmt.Sprintf("stored %d field permissions on each of %d role/tracker pairs", n, len(roles)*len(trackers)))
			})
		},
	}
	cmd.Flags().IntSliceVar(&roles, "role", nil, "role id (repeatable)")
	cmd.Flags().IntSliceVar(&trackers, "tracker", nil, "tracker id (repeatable)")
	cmd.Flags().StringArrayVar(&rules, "rule", nil, "status:field:read_only|required (repeatable)")
	cmd.Flags().StringVar(&formFile, "form", "", "JSON file of {status: {field: rule}}")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("tracker")
	return cmd
}

func workflowCopyCmd() *cobra.Command {
	var req workflow.CopyRequest
	var anyTracker bool
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Overwrite target rules with a source role's rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if anyTracker {
				req.SourceTrackerID = workflow.AnyTracker
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				res, err := e.DuplicateRules(ctx, req, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res, fmt.Sprintf("copied %d transitions and %d field permissions onto %d pairs",
					res.Transitions, res.Permissions, res.Pairs))
			})
		},
	}
	cmd.Flags().IntVar(&req.SourceTrackerID, "source-tracker", 0, "source tracker id")
	cmd.Flags().BoolVar(&anyTracker, "any-tracker", false, "merge the source role's rules of every tracker")
	cmd.Flags().IntVar(&req.SourceRoleID, "source-role", 0, "source role id")
	cmd.Flags().IntSliceVar(&req.TargetTrackerIDs, "tracker", nil, "target tracker id (repeatable)")
	cmd.Flags().IntSliceVar(&req.TargetRoleIDs, "role", nil, "target role id (repeatable)")
	return cmd
}

func workflowCheckCmd() *cobra.Command {
	var roles []int
	var tracker, from, to int
	var actor workflow.ActorContext
	cmd := &cobra.Command{
		Use:   "check",
		Short: "List reachable statuses, or test one transition with --to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				if cmd.Flags().Changed("to") {
					allowed := false
					for _, role := range roles {
						ok, err := e.IsTransitionAllowed(ctx, role, tracker, from, to, actor)
						if err != nil {
							return err
						}
						if ok {
							allowed = true
							break
						}
					}
					return printResult(map[string]any{"allowed": allowed}, fmt.Sprintf("allowed: %t", allowed))
				}
				statuses, err := e.AllowedTargetStatusesForRoles(ctx, roles, tracker, from, actor)
				if err != nil {
					return err
				}
				return printTable(statuses, table.Row{"ID", "Name", "Closed"}, func(s domain.Status) table.Row {
					return table.Row{s.ID, s.Name, s.IsClosed}
				})
			})
		},
	}
	cmd.Flags().IntSliceVar(&roles, "role", nil, "role id of the user (repeatable)")
	cmd.Flags().IntVar(&tracker, "tracker", 0, "tracker id")
	cmd.Flags().IntVar(&from, "from", 0, "current status id, 0 for a new issue")
	cmd.Flags().IntVar(&to, "to", 0, "target status id")
	cmd.Flags().BoolVar(&actor.IsAuthor, "author", false, "the user authored the issue")
	cmd.Flags().BoolVar(&actor.IsAssignee, "assignee", false, "the user is assigned to the issue")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("tracker")
	return cmd
}

func workflowRuleCmd() *cobra.Command {
	var roles []int
	var tracker, status int
	var field string
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Show field access at a status",
		Long:  "Without --field, prints the runtime access of every field for a user holding all roles.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				if field == "" {
					states, err := e.EffectiveFieldRules(ctx, roles, tracker, status)
					if err != nil {
						return err
					}
					return printTable(states, table.Row{"Field", "Access"}, func(s workflow.FieldState) table.Row {
						return table.Row{s.FieldName, s.Access}
					})
				}
				var access workflow.FieldAccess
				var err error
				if len(roles) == 1 {
					access, err = e.FieldRule(ctx, roles[0], tracker, status, field)
				} else {
					access, err = e.ResolveEffectiveRuleAcrossRoles(ctx, roles, tracker, status, field)
				}
				if err != nil {
					return err
				}
				return printResult(map[string]any{"field": field, "access": access}, fmt.Sprintf("%s: %s", field, access))
			})
		},
	}
	cmd.Flags().IntSliceVar(&roles, "role", nil, "role id (repeatable)")
	cmd.Flags().IntVar(&tracker, "tracker", 0, "tracker id")
	cmd.Flags().IntVar(&status, "status", 0, "status id")
	cmd.Flags().StringVar(&field, "field", "", "core field name or custom field id")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("tracker")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func workflowSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count transitions per role and tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				counts, err := e.TransitionCounts(ctx)
				if err != nil {
					return err
				}
				return printTable(counts, table.Row{"Role", "Tracker", "Transitions"}, func(c workflow.TransitionCount) table.Row {
					return table.Row{c.RoleID, c.TrackerID, c.Count}
				})
			})
		},
	}
}

// parseEdge reads from:to[:flag,flag]. Without flags the edge is always allowed.
func parseEdge(raw string) (workflow.TransitionEdit, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return workflow.TransitionEdit{}, fmt.Errorf("invalid edge %q, want from:to[:flags]", raw)
	}
	from, err := strconv.Atoi(parts[0])
	if err != nil {
		return workflow.TransitionEdit{}, fmt.Errorf("invalid edge %q: %w", raw, err)
	}
	to, err := strconv.Atoi(parts[1])
	if err != nil {
		return workflow.TransitionEdit{}, fmt.Errorf("invalid edge %q: %w", raw, err)
	}
	edit := workflow.TransitionEdit{FromStatusID: from, ToStatusID: to}
	if len(parts) == 2 {
		edit.Always = true
		return edit, nil
	}
	for _, flag := range strings.Split(parts[2], ",") {
		switch strings.TrimSpace(flag) {
		case "always":
			edit.Always = true
		case "author":
			edit.AuthorOnly = true
		case "assignee":
			edit.AssigneeOnly = true
		default:
			return workflow.TransitionEdit{}, fmt.Errorf("invalid edge %q: unknown flag %q", raw, flag)
		}
	}
	return edit, nil
}

// parsePermission reads status:field:rule.
func parsePermission(raw string) (workflow.PermissionEdit, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return workflow.PermissionEdit{}, fmt.Errorf("invalid rule %q, want status:field:rule", raw)
	}
	status, err := strconv.Atoi(parts[0])
	if err != nil {
		return workflow.PermissionEdit{}, fmt.Errorf("invalid rule %q: %w", raw, err)
	}
	return workflow.PermissionEdit{StatusID: status, FieldName: parts[1], Rule: parts[2]}, nil
}

func transitionCellLabel(c workflow.TransitionCell) string {
	if c.Self {
		return "="
	}
	var b strings.Builder
	for _, f := range []struct {
		state workflow.CellState
		mark  string
	}{{c.Always, "A"}, {c.Author, "a"}, {c.Assignee, "s"}} {
		switch f.state {
		case workflow.CellChecked:
			b.WriteString(f.mark)
		case workflow.CellNoChange:
			b.WriteString("~")
		}
	}
	if b.Len() == 0 {
		return "."
	}
	return b.String()
}

func statusNames(statuses []domain.Status) map[int]string {
	names := map[int]string{domain.NewIssueStatus: "(new issue)"}
	for _, s := range statuses {
		names[s.ID] = s.Name
	}
	return names
}

func printScope(roles []domain.Role, trackers []domain.Tracker) {
	rn := make([]string, 0, len(roles))
	for _, r := range roles {
		rn = append(rn, r.Name)
	}
	tn := make([]string, 0, len(trackers))
	for _, t := range trackers {
		tn = append(tn, t.Name)
	}
	fmt.Printf("Roles: %s\nTrackers: %s\n", strings.Join(rn, ", "), strings.Join(tn, ", "))
}

func printResult(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
