package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxFilterDepth bounds nesting of logical operators in a filter expression.
const maxFilterDepth = 32

// ValidateFilter checks that raw is a structurally valid CQL2-JSON
// expression before it is forwarded to the catalog.
//
// Supported operators:
//   - "and", "or" : two or more boolean expressions
//   - "not" : one boolean expression
//   - "=", "<>", "<", "<=", ">", ">=", "like" : two operands
//   - "between" : three operands
//   - "in" : an operand and an array of values
//   - "isNull" : one operand
//   - "s_*", "t_*", "a_*" : spatial, temporal and array predicates with two operands
//
// Operands are property references, literals, nested expressions or
// geometry / interval / timestamp objects. The catalog remains the
// authority on which properties and functions it supports.
func ValidateFilter(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}

	var expr any
	if err := json.Unmarshal(raw, &expr); err != nil {
		return fmt.Errorf("%w: filter must be CQL2-JSON: %w", ErrInvalidQuery, err)
	}

	node, ok := expr.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: filter must be a JSON object", ErrInvalidQuery)
	}
	return validateExpression(node, 0)
}

// validateExpression checks a single boolean expression node.
func validateExpression(expr map[string]any, depth int) error {
	if depth > maxFilterDepth {
		return fmt.Errorf("%w: filter nested deeper than %d levels", ErrInvalidQuery, maxFilterDepth)
	}

	op, args, err := splitExpression(expr)
	if err != nil {
		return err
	}

	lower := strings.ToLower(op)
	switch {
	case lower == "and" || lower == "or":
		if len(args) < 2 {
			return fmt.Errorf("%w: '%s' requires at least two arguments", ErrInvalidQuery, op)
		}
		return validateBooleanArgs(op, args, depth)
	case lower == "not":
		if len(args) != 1 {
			return fmt.Errorf("%w: 'not' requires exactly one argument", ErrInvalidQuery)
		}
		return validateBooleanArgs(op, args, depth)
	case lower == "=" || lower == "<>" || lower == "<" || lower == "<=" ||
		lower == ">" || lower == ">=" || lower == "like":
		return validateOperands(op, args, 2, depth)
	case lower == "between":
		return validateOperands(op, args, 3, depth)
	case lower == "in":
		if len(args) != 2 {
			return fmt.Errorf("%w: 'in' requires exactly two arguments", ErrInvalidQuery)
		}
		if _, ok := args[1].([]any); !ok {
			return fmt.Errorf("%w: second argument of 'in' must be an array", ErrInvalidQuery)
		}
		return validateOperand(args[0], depth)
	case lower == "isnull":
		return validateOperands(op, args, 1, depth)
	case strings.HasPrefix(lower, "s_"), strings.HasPrefix(lower, "t_"), strings.HasPrefix(lower, "a_"):
		return validateOperands(op, args, 2, depth)
	default:
		return fmt.Errorf("%w: filter operator '%s' not supported", ErrInvalidQuery, op)
	}
}

// splitExpression extracts the op and args members of an expression.
func splitExpression(expr map[string]any) (string, []any, error) {
	opVal, ok := expr["op"]
	if !ok {
		return "", nil, fmt.Errorf("%w: filter expression missing 'op'", ErrInvalidQuery)
	}
	op, ok := opVal.(string)
	if !ok || op == "" {
		return "", nil, fmt.Errorf("%w: filter 'op' must be a non-empty string", ErrInvalidQuery)
	}

	argsVal, ok := expr["args"]
	if !ok {
		return "", nil, fmt.Errorf("%w: filter expression '%s' missing 'args'", ErrInvalidQuery, op)
	}
	args, ok := argsVal.([]any)
	if !ok {
		return "", nil, fmt.Errorf("%w: filter 'args' must be an array", ErrInvalidQuery)
	}
	return op, args, nil
}

func validateBooleanArgs(op string, args []any, depth int) error {
	for _, arg := range args {
		switch v := arg.(type) {
		case bool:
		case map[string]any:
			if err := validateExpression(v, depth+1); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: '%s' arguments must be filter expressions", ErrInvalidQuery, op)
		}
	}
	return nil
}

func validateOperands(op string, args []any, want, depth int) error {
	if len(args) != want {
		return fmt.Errorf("%w: '%s' requires exactly %d arguments, got %d", ErrInvalidQuery, op, want, len(args))
	}
	for _, arg := range args {
		if err := validateOperand(arg, depth); err != nil {
			return err
		}
	}
	return nil
}

// validateOperand accepts literals, arrays and the object forms CQL2 allows
// in operand position.
func validateOperand(arg any, depth int) error {
	obj, ok := arg.(map[string]any)
	if !ok {
		return nil
	}

	if prop, ok := obj["property"]; ok {
		name, ok := prop.(string)
		if !ok || name == "" {
			return fmt.Errorf("%w: 'property' must be a non-empty string", ErrInvalidQuery)
		}
		return nil
	}
	if _, ok := obj["op"]; ok {
		return validateExpression(obj, depth+1)
	}
	for _, key := range []string{"type", "bbox", "interval", "timestamp", "date", "function"} {
		if _, ok := obj[key]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: unrecognised filter operand", ErrInvalidQuery)
}
