package schema

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// requestKeys are the required top-level keys of a request document, in
// the order missing keys are reported.
var requestKeys = []string{"inputs", "workflow", "context", "stack"}

// Keys recognised below the top level. Anything else is an InvalidField.
var (
	workflowKeys = []string{"name", "on", "true", "jobs"}
	jobKeys      = []string{"runs-on", "steps"}
	stepKeys     = []string{"id", "if", "name", "uses", "shell", "run", "with", "env"}
)

// ParseRequest converts an untyped request document into a PolicyRequest.
//
// Every absent required key is a MissingField error naming it; every
// present key of the wrong shape is an InvalidField error. All problems are
// reported together as ValidationErrors. The document is never modified
// and nothing is returned on failure.
//
// Jobs are ordered lexically unless the workflow is given as YAML text, in
// which case its declaration order is kept. Use DecodeRequest to keep the
// order of a mapping-form workflow.
func ParseRequest(doc map[string]any) (*PolicyRequest, error) {
	var errs ValidationErrors

	for _, key := range requestKeys {
		if _, ok := doc[key]; !ok {
			errs = append(errs, NewMissingField(fmt.Sprintf("%s is required", key), key))
		}
	}
	rejectExtraKeys(doc, requestKeys, &errs, nil)

	req := &PolicyRequest{}
	if v, ok := doc["inputs"]; ok {
		req.Inputs = parseOptionalObject(v, &errs, "inputs")
	}
	if v, ok := doc["workflow"]; ok {
		req.Workflow = parseWorkflowValue(v, &errs, "workflow")
	}
	if v, ok := doc["context"]; ok {
		req.Context = parseOptionalObject(v, &errs, "context")
	}
	if v, ok := doc["stack"]; ok {
		req.Stack = parseOptionalObject(v, &errs, "stack")
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return req, nil
}

// DecodeRequest decodes a YAML or JSON request document and parses it.
// The document is read through a yaml.Node so the declaration order of
// jobs survives decoding.
func DecodeRequest(data []byte) (*PolicyRequest, error) {
	doc, node, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest(doc)
	if err != nil {
		return nil, err
	}

	if wf := mappingValue(node, "workflow"); wf != nil && wf.Kind == yaml.MappingNode {
		if order := mappingKeys(mappingValue(wf, "jobs")); order != nil {
			req.Workflow.JobOrder = order
		}
	}
	return req, nil
}

// ParseWorkflow parses a workflow given as YAML or JSON text.
func ParseWorkflow(data []byte) (Workflow, error) {
	var errs ValidationErrors
	wf := parseWorkflowString(string(data), &errs, "workflow")
	if len(errs) > 0 {
		return Workflow{}, errs
	}
	return wf, nil
}

// decodeDocument parses bytes into an untyped mapping plus its node.
func decodeDocument(data []byte) (map[string]any, *yaml.Node, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, nil, NewInvalidField(fmt.Sprintf("document is not valid YAML or JSON: %v", err))
	}

	// An empty document has no content; report its missing keys.
	if root.Kind == 0 {
		return map[string]any{}, &yaml.Node{Kind: yaml.MappingNode}, nil
	}

	node := &root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil, nil, NewInvalidField("document must be a mapping")
	}

	var doc map[string]any
	if err := node.Decode(&doc); err != nil {
		return nil, nil, NewInvalidField(fmt.Sprintf("document keys must be strings: %v", err))
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, node, nil
}

func parseWorkflowValue(v any, errs *ValidationErrors, loc ...string) Workflow {
	switch val := v.(type) {
	case string:
		return parseWorkflowString(val, errs, loc...)
	default:
		m, ok := asObject(v)
		if !ok {
			*errs = append(*errs, NewInvalidField("workflow must be a mapping or YAML text", loc...).WithInput(v))
			return Workflow{}
		}
		return parseWorkflowObject(m, nil, errs, loc...)
	}
}

func parseWorkflowString(text string, errs *ValidationErrors, loc ...string) Workflow {
	doc, node, err := decodeDocument([]byte(text))
	if err != nil {
		ve := err.(*ValidationError)
		ve.Loc = append(slices.Clone(loc), ve.Loc...)
		*errs = append(*errs, ve)
		return Workflow{}
	}
	return parseWorkflowObject(doc, mappingKeys(mappingValue(node, "jobs")), errs, loc...)
}

func parseWorkflowObject(m map[string]any, order []string, errs *ValidationErrors, loc ...string) Workflow {
	var wf Workflow
	rejectExtraKeys(m, workflowKeys, errs, loc)

	if v, ok := m["name"]; ok && v != nil {
		name, ok := v.(string)
		if !ok {
			*errs = append(*errs, NewInvalidField("name must be a string", at(loc, "name")...).WithInput(v))
		} else {
			wf.Name = &name
		}
	}

	on, ok := m["on"]
	if !ok {
		// YAML 1.1 readers turn a bare `on` key into boolean true.
		on, ok = m["true"]
	}
	if !ok {
		*errs = append(*errs, NewMissingField("on is required", at(loc, "on")...))
	} else {
		wf.On = CloneValue(on)
	}

	jobsVal, ok := m["jobs"]
	if !ok {
		*errs = append(*errs, NewMissingField("jobs is required", at(loc, "jobs")...))
		return wf
	}
	jobs, ok := asObject(jobsVal)
	if !ok && jobsVal != nil {
		*errs = append(*errs, NewInvalidField("jobs must be a mapping", at(loc, "jobs")...).WithInput(jobsVal))
		return wf
	}

	wf.Jobs = make(map[string]WorkflowJob, len(jobs))
	for _, id := range sortedKeys(jobs) {
		job, ok := parseJob(jobs[id], errs, at(loc, "jobs", id)...)
		if ok {
			wf.Jobs[id] = job
		}
	}
	if order != nil {
		wf.JobOrder = order
	} else {
		wf.JobOrder = sortedKeys(jobs)
	}
	return wf
}

func parseJob(v any, errs *ValidationErrors, loc ...string) (WorkflowJob, bool) {
	m, ok := asObject(v)
	if !ok {
		*errs = append(*errs, NewInvalidField("job must be a mapping", loc...).WithInput(v))
		return WorkflowJob{}, false
	}

	before := len(*errs)
	rejectExtraKeys(m, jobKeys, errs, loc)
	job := WorkflowJob{RunsOn: CloneValue(m["runs-on"])}

	stepsVal, ok := m["steps"]
	if !ok || stepsVal == nil {
		return job, len(*errs) == before
	}
	steps, ok := stepsVal.([]any)
	if !ok {
		*errs = append(*errs, NewInvalidField("steps must be a list", at(loc, "steps")...).WithInput(stepsVal))
		return job, false
	}

	job.Steps = make([]WorkflowJobStep, 0, len(steps))
	valid := len(*errs) == before
	for i, sv := range steps {
		step, ok := parseStep(sv, errs, at(loc, "steps", StepKey(i))...)
		if !ok {
			valid = false
			continue
		}
		job.Steps = append(job.Steps, step)
	}
	return job, valid
}

func parseStep(v any, errs *ValidationErrors, loc ...string) (WorkflowJobStep, bool) {
	m, ok := asObject(v)
	if !ok {
		*errs = append(*errs, NewInvalidField("step must be a mapping", loc...).WithInput(v))
		return WorkflowJobStep{}, false
	}

	before := len(*errs)
	rejectExtraKeys(m, stepKeys, errs, loc)
	step := WorkflowJobStep{
		ID:    optionalString(m, "id", errs, loc),
		If:    optionalString(m, "if", errs, loc),
		Name:  optionalString(m, "name", errs, loc),
		Uses:  optionalString(m, "uses", errs, loc),
		Shell: optionalString(m, "shell", errs, loc),
		Run:   optionalString(m, "run", errs, loc),
		With:  stringMap(m, "with", errs, loc),
		Env:   stringMap(m, "env", errs, loc),
	}
	return step, len(*errs) == before
}

// rejectExtraKeys reports every key of m outside allowed, in lexical order.
func rejectExtraKeys(m map[string]any, allowed []string, errs *ValidationErrors, loc []string) {
	for _, key := range sortedKeys(m) {
		if !slices.Contains(allowed, key) {
			*errs = append(*errs, NewInvalidField("extra fields not permitted", at(loc, key)...).WithInput(m[key]))
		}
	}
}

func optionalString(m map[string]any, key string, errs *ValidationErrors, loc []string) *string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := scalarString(v)
	if !ok {
		*errs = append(*errs, NewInvalidField(key+" must be a string", at(loc, key)...).WithInput(v))
		return nil
	}
	return &s
}

func stringMap(m map[string]any, key string, errs *ValidationErrors, loc []string) map[string]string {
	v, ok := m[key]
	if !ok || v == nil {
		return map[string]string{}
	}
	obj, ok := asObject(v)
	if !ok {
		*errs = append(*errs, NewInvalidField(key+" must be a mapping of strings", at(loc, key)...).WithInput(v))
		return map[string]string{}
	}
	out := make(map[string]string, len(obj))
	for _, k := range sortedKeys(obj) {
		s, ok := scalarString(obj[k])
		if !ok {
			*errs = append(*errs, NewInvalidField("value must be a string", at(loc, key, k)...).WithInput(obj[k]))
			continue
		}
		out[k] = s
	}
	return out
}

// parseOptionalObject accepts a mapping, or null as an empty mapping.
func parseOptionalObject(v any, errs *ValidationErrors, loc ...string) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	m, ok := asObject(v)
	if !ok {
		*errs = append(*errs, NewInvalidField(fmt.Sprintf("%s must be a mapping", loc[len(loc)-1]), loc...).WithInput(v))
		return nil
	}
	return CloneMap(m)
}

// asObject normalizes the mapping types produced by encoding/json and yaml.v3.
func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// scalarString renders a scalar the way it reads in YAML source.
func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case uint64:
		return strconv.FormatUint(s, 10), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case json.Number:
		return s.String(), true
	default:
		return "", false
	}
}

func at(loc []string, more ...string) []string {
	out := make([]string, 0, len(loc)+len(more))
	out = append(out, loc...)
	return append(out, more...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}

// mappingValue returns the value node for key in a mapping node, or nil.
func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// mappingKeys returns the keys of a mapping node in source order, or nil.
func mappingKeys(n *yaml.Node) []string {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	keys := make([]string, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		keys = append(keys, n.Content[i].Value)
	}
	return keys
}
