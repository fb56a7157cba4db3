package validation

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/pkg/schema"
)

// Validator runs the pre-flight pipeline over a workflow before execution:
// shape (JSON Schema), graph structure, node bindings, and variable
// references.
type Validator struct {
	schemas   *JSONSchemaValidator
	providers engine.AdapterRegistry
}

// NewValidator builds a validator. The provider set may be nil, which skips
// binding checks.
func NewValidator(providers engine.AdapterRegistry) (*Validator, error) {
	schemas, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{schemas: schemas, providers: providers}, nil
}

// Validate runs every pre-flight check and aggregates the issues.
func (v *Validator) Validate(content *schema.WorkflowContent) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := v.schemas.ValidateContent(content); err != nil {
		result.AddError("", schema.ErrCodeValidation, err.Error())
		return result
	}

	result.Merge(validateGraph(content))
	if !result.Valid() {
		return result
	}

	for _, node := range content.Nodes {
		if node.Type == schema.NodeTypeDrop {
			continue
		}
		v.validateBinding(node, result)
		if err := v.schemas.ValidateNodeConfig(node); err != nil {
			result.AddError(fmt.Sprintf("nodes[%s].data", node.ID), schema.ErrCodeValidation, err.Error())
		}
	}

	v.validateReferences(content, result)
	return result
}

// validateBinding checks that the node type maps to a registered provider
// and operation.
func (v *Validator) validateBinding(node schema.Node, result *schema.ValidationResult) {
	provider, operation, ok := node.Binding()
	if !ok {
		result.AddError(fmt.Sprintf("nodes[%s].type", node.ID), schema.ErrCodeValidation,
			fmt.Sprintf("malformed node type %q, want provider.operation", node.Type))
		return
	}
	if v.providers == nil {
		return
	}
	adapter, ok := v.providers.Get(provider)
	if !ok {
		result.AddError(fmt.Sprintf("nodes[%s].type", node.ID), schema.ErrCodeValidation,
			fmt.Sprintf("unknown provider %q", provider))
		return
	}
	if !adapter.SupportsOperation(operation) {
		result.AddError(fmt.Sprintf("nodes[%s].type", node.ID), schema.ErrCodeUnsupportedOperation,
			fmt.Sprintf("provider %q has no operation %q (available: %v)",
				provider, operation, adapter.Operations()))
	}
}

// validateReferences statically checks every {{...}} reference: the source
// must be known, node references must point at existing nodes, and flow
// references require an iterator somewhere in the graph.
func (v *Validator) validateReferences(content *schema.WorkflowContent, result *schema.ValidationResult) {
	nodeIDs := make(map[string]bool, len(content.Nodes))
	hasIterator := false
	for _, n := range content.Nodes {
		nodeIDs[n.ID] = true
		if n.Type == "flow.iterate" {
			hasIterator = true
		}
	}

	for _, node := range content.Nodes {
		path := fmt.Sprintf("nodes[%s].data", node.ID)
		for _, ref := range expressions.References(node.Data) {
			source, rest := splitReference(ref)
			switch source {
			case "trigger", "previous", "env":
				// resolvable only at runtime
			case "nodes":
				target, _, _ := strings.Cut(rest, ".")
				if target == "" {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("reference {{%s}} names no node", ref))
				} else if !nodeIDs[target] {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("reference {{%s}} points at unknown node %q", ref, target))
				}
			case "flow":
				if !hasIterator {
					result.AddWarning(path, schema.ErrCodeValidation,
						fmt.Sprintf("reference {{%s}} used without any flow.iterate node", ref))
				}
			default:
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("reference {{%s}} has unknown source %q", ref, source))
			}
		}
	}
}

func splitReference(ref string) (source, rest string) {
	source, rest, _ = strings.Cut(ref, ".")
	return source, rest
}
