package workflow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DecodeTransitionForm converts transitions[from][to] form values into edits.
// A value is either a scalar ("1", 1, true enables always) or a map of the
// flags always, author and assignee.
func DecodeTransitionForm(form map[string]map[string]any) ([]TransitionEdit, error) {
	var edits []TransitionEdit
	for _, fromKey := range sortedStringKeys(form) {
		from, err := parseStatusKey(fromKey)
		if err != nil {
			return nil, err
		}
		targets := form[fromKey]
		for _, toKey := range sortedStringKeys(targets) {
			to, err := parseStatusKey(toKey)
			if err != nil {
				return nil, err
			}
			edit := TransitionEdit{FromStatusID: from, ToStatusID: to}
			label := fromKey + "->" + toKey
			switch v := targets[toKey].(type) {
			case map[string]any:
				err = applyFlags(&edit, v, label)
			case map[string]string:
				flags := make(map[string]any, len(v))
				for k, raw := range v {
					flags[k] = raw
				}
				err = applyFlags(&edit, flags, label)
			default:
				edit.Always, err = formBool(v)
				if err != nil {
					err = invalid("transitions", fmt.Sprintf("%s: %v", label, err))
				}
			}
			if err != nil {
				return nil, err
			}
			edits = append(edits, edit)
		}
	}
	return edits, nil
}

// DecodePermissionForm converts permissions[status][field] form values into
// edits. Accepted values are required, readonly, read_only, no_change and "".
func DecodePermissionForm(form map[string]map[string]string) ([]PermissionEdit, error) {
	var edits []PermissionEdit
	for _, statusKey := range sortedStringKeys(form) {
		status, err := parseStatusKey(statusKey)
		if err != nil {
			return nil, err
		}
		fields := form[statusKey]
		for _, name := range sortedStringKeys(fields) {
			rule := strings.TrimSpace(fields[name])
			switch rule {
			case "readonly", "read_only":
				rule = "read_only"
			case "required", "", NoChange:
			default:
				return nil, invalid("permissions", fmt.Sprintf("unknown rule %q for field %s", rule, name))
			}
			edits = append(edits, PermissionEdit{StatusID: status, FieldName: name, Rule: rule})
		}
	}
	return edits, nil
}

func applyFlags(edit *TransitionEdit, flags map[string]any, label string) error {
	for flag, raw := range flags {
		on, err := formBool(raw)
		if err != nil {
			return invalid("transitions", fmt.Sprintf("%s %s: %v", label, flag, err))
		}
		switch flag {
		case "always":
			edit.Always = on
		case "author":
			edit.AuthorOnly = on
		case "assignee":
			edit.AssigneeOnly = on
		default:
			return invalid("transitions", fmt.Sprintf("%s: unknown flag %q", label, flag))
		}
	}
	return nil
}

func sortedStringKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseStatusKey(key string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil || id < 0 {
		return 0, invalid("status", fmt.Sprintf("invalid status id %q", key))
	}
	return id, nil
}

func formBool(v any) (bool, error) {
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	case int:
		return b != 0, nil
	case float64:
		return b != 0, nil
	case string:
		switch strings.TrimSpace(b) {
		case "1", "true", "on":
			return true, nil
		case "0", "false", "", "off":
			return false, nil
		}
		return false, fmt.Errorf("invalid flag value %q", b)
	default:
		return false, fmt.Errorf("invalid flag value %v", v)
	}
}
