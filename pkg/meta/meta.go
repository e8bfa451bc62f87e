// Package meta implements the _meta extension channel: a validated,
// mergeable mapping of provider namespaces used to carry capability hints
// across translation. The same shape appears on request params, on individual
// content blocks, and on responses.
package meta

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Policy controls how unknown keys are treated during validation.
type Policy string

const (
	// PolicyStrict rejects unknown keys with an invalid-params error.
	PolicyStrict Policy = "strict"
	// PolicyStrip silently drops unknown keys.
	PolicyStrip Policy = "strip"
	// PolicyPermissive keeps unknown keys, logging each once per request.
	PolicyPermissive Policy = "permissive"
)

// ParsePolicy converts a string to a Policy, defaulting to permissive.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyStrict, PolicyStrip, PolicyPermissive:
		return Policy(s), nil
	case "":
		return PolicyPermissive, nil
	default:
		return PolicyPermissive, fmt.Errorf("unknown metadata policy %q", s)
	}
}

// Known provider namespaces and their optional field sets.
var namespaceFields = map[string][]string{
	"proxy": {
		"route", "priority", "timeoutMs", "tags", "requestId",
	},
	"anthropic": {
		"model", "max_tokens", "temperature", "system",
		"metadata", "stop_sequences", "top_p", "top_k",
	},
	"openai": {
		"model", "max_tokens", "temperature",
		"frequency_penalty", "presence_penalty", "top_p", "stop", "user",
	},
	"ollama": {
		"model", "options", "keep_alive", "format",
		"num_ctx", "num_predict", "repeat_penalty", "seed",
	},
	"pi": {
		"thinkingLevel", "model", "originalCommand",
	},
}

// Namespaces returns the known top-level namespaces in sorted order.
func Namespaces() []string {
	names := make([]string, 0, len(namespaceFields))
	for name := range namespaceFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsKnownNamespace reports whether the key is a known provider namespace.
func IsKnownNamespace(name string) bool {
	_, ok := namespaceFields[name]
	return ok
}

// Validator validates _meta maps under a fixed policy. A validator is scoped
// to one request so that permissive-mode logging fires once per key.
type Validator struct {
	policy Policy
	logger *slog.Logger

	mu     sync.Mutex
	logged map[string]struct{}
}

// NewValidator creates a validator with the given policy. A nil logger falls
// back to slog.Default.
func NewValidator(policy Policy, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		policy: policy,
		logger: logger,
		logged: make(map[string]struct{}),
	}
}

// Policy returns the validator's policy.
func (v *Validator) Policy() Policy {
	return v.policy
}

// Validate checks a _meta mapping and returns the validated copy. The input
// is never mutated. nil input yields nil output.
func (v *Validator) Validate(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}

	out := make(map[string]interface{}, len(m))
	for key, value := range m {
		if !IsKnownNamespace(key) {
			switch v.policy {
			case PolicyStrict:
				return nil, fmt.Errorf("unknown _meta namespace %q", key)
			case PolicyStrip:
				continue
			case PolicyPermissive:
				v.logOnce("namespace:"+key, "unknown _meta namespace kept", "namespace", key)
				out[key] = value
				continue
			}
		}

		nsMap, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("_meta namespace %q is not an object", key)
		}

		validated, err := v.validateNamespace(key, nsMap)
		if err != nil {
			return nil, err
		}
		out[key] = validated
	}
	return out, nil
}

func (v *Validator) validateNamespace(name string, ns map[string]interface{}) (map[string]interface{}, error) {
	allowed := make(map[string]struct{}, len(namespaceFields[name]))
	for _, f := range namespaceFields[name] {
		allowed[f] = struct{}{}
	}

	out := make(map[string]interface{}, len(ns))
	for field, value := range ns {
		if _, ok := allowed[field]; ok {
			out[field] = value
			continue
		}
		switch v.policy {
		case PolicyStrict:
			return nil, fmt.Errorf("unknown field %q in _meta.%s", field, name)
		case PolicyStrip:
		case PolicyPermissive:
			v.logOnce("field:"+name+"."+field, "unknown _meta field kept", "namespace", name, "field", field)
			out[field] = value
		}
	}
	return out, nil
}

func (v *Validator) logOnce(key, msg string, args ...interface{}) {
	v.mu.Lock()
	_, seen := v.logged[key]
	if !seen {
		v.logged[key] = struct{}{}
	}
	v.mu.Unlock()
	if !seen {
		v.logger.Warn(msg, args...)
	}
}

// Merge combines two _meta maps. The merge is shallow at the top level; for
// known namespaces the namespace maps are also shallow-merged. The right-hand
// side wins on conflict. Inputs are not mutated.
func Merge(a, b map[string]interface{}) map[string]interface{} {
	if a == nil && b == nil {
		return nil
	}

	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, bv := range b {
		av, exists := out[k]
		if !exists || !IsKnownNamespace(k) {
			out[k] = bv
			continue
		}
		aMap, aOK := av.(map[string]interface{})
		bMap, bOK := bv.(map[string]interface{})
		if !aOK || !bOK {
			out[k] = bv
			continue
		}
		merged := make(map[string]interface{}, len(aMap)+len(bMap))
		for f, v := range aMap {
			merged[f] = v
		}
		for f, v := range bMap {
			merged[f] = v
		}
		out[k] = merged
	}
	return out
}

// Get reads a dotted path (e.g. "anthropic.model") out of a _meta map.
func Get(m map[string]interface{}, namespace, field string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	ns, ok := m[namespace].(map[string]interface{})
	if !ok {
		return nil, false
	}
	v, ok := ns[field]
	return v, ok
}

// Namespace returns the map under a namespace key, or nil.
func Namespace(m map[string]interface{}, name string) map[string]interface{} {
	if m == nil {
		return nil
	}
	ns, _ := m[name].(map[string]interface{})
	return ns
}
