package expressions

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/pkg/schema"
)

// MissingVariable is one unresolvable reference found during pre-flight.
type MissingVariable struct {
	Reference  string `json:"reference"`   // the {{...}} expression
	ConfigPath string `json:"config_path"` // where in the config it appears
	Reason     string `json:"reason"`
}

// VariableReport is the outcome of ValidateVariables.
type VariableReport struct {
	Valid   bool              `json:"valid"`
	Missing []MissingVariable `json:"missing,omitempty"`
}

// ValidateVariables walks a config tree, resolves every {{...}} reference
// against the context, and reports any that do not resolve, annotated with
// the originating config path. Used to guard against expressions referencing
// nodes that will never run on a given branch.
func (in *Interpolator) ValidateVariables(config map[string]any, execCtx *schema.ExecutionContext) *VariableReport {
	report := &VariableReport{Valid: true}
	in.validateValue(config, "", execCtx, report)
	return report
}

func (in *Interpolator) validateValue(v any, path string, execCtx *schema.ExecutionContext, report *VariableReport) {
	switch val := v.(type) {
	case string:
		for _, ref := range extractReferences(val) {
			if _, err := in.resolveExpr(ref, execCtx); err != nil {
				report.Valid = false
				report.Missing = append(report.Missing, MissingVariable{
					Reference:  ref,
					ConfigPath: path,
					Reason:     err.Error(),
				})
			}
		}
	case map[string]any:
		for _, k := range mapKeys(val) {
			in.validateValue(val[k], joinPath(path, k), execCtx, report)
		}
	case []any:
		for i, item := range val {
			in.validateValue(item, fmt.Sprintf("%s[%d]", path, i), execCtx, report)
		}
	}
}

// References returns every {{...}} expression appearing anywhere in a config
// tree, in traversal order. Used by static pre-flight checks that have no
// execution context yet.
func References(v any) []string {
	var refs []string
	collectReferences(v, &refs)
	return refs
}

func collectReferences(v any, refs *[]string) {
	switch val := v.(type) {
	case string:
		*refs = append(*refs, extractReferences(val)...)
	case map[string]any:
		for _, k := range mapKeys(val) {
			collectReferences(val[k], refs)
		}
	case []any:
		for _, item := range val {
			collectReferences(item, refs)
		}
	}
}

// extractReferences returns every {{...}} expression in a string, in order.
func extractReferences(s string) []string {
	var refs []string
	for {
		open := strings.Index(s, "{{")
		if open == -1 {
			break
		}
		rest := s[open+2:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx == -1 {
			break
		}
		expr := strings.TrimSpace(rest[:closeIdx])
		if expr != "" {
			refs = append(refs, expr)
		}
		s = rest[closeIdx+2:]
	}
	return refs
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
