package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed digests.
// Version suffix enables future algorithm migration.
const (
	DomainCompletion = "policyengine/completion/v1"
	DomainRequest    = "policyengine/request/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CompletionDigest computes the digest of a completion record over
// id, exit_status, outputs and annotations. The Digest field itself is
// excluded, so the result is stable when recomputed on a stamped record.
func CompletionDigest(c PolicyCompletion) (string, error) {
	obj := map[string]any{
		"id":          c.ID,
		"exit_status": string(c.ExitStatus),
		"outputs":     nonNilMap(c.Outputs),
		"annotations": nonNilMap(c.Annotations),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("CompletionDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainCompletion, canonical), nil
}

// RequestDigest computes the digest of an admitted request. Job order is
// not part of the digest.
func RequestDigest(req *PolicyRequest) (string, error) {
	canonical, err := MarshalCanonical(RequestDocument(req))
	if err != nil {
		return "", fmt.Errorf("RequestDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRequest, canonical), nil
}

// RequestDocument renders a request back into its untyped document form.
// ParseRequest(RequestDocument(r)) yields a request equal to r except for
// JobOrder.
func RequestDocument(req *PolicyRequest) map[string]any {
	return map[string]any{
		"inputs":   nonNilMap(req.Inputs),
		"workflow": WorkflowDocument(&req.Workflow),
		"context":  nonNilMap(req.Context),
		"stack":    nonNilMap(req.Stack),
	}
}

// WorkflowDocument renders a workflow into its untyped document form.
func WorkflowDocument(wf *Workflow) map[string]any {
	jobs := make(map[string]any, len(wf.Jobs))
	for id, job := range wf.Jobs {
		steps := make([]any, len(job.Steps))
		for i, s := range job.Steps {
			step := map[string]any{
				"with": stringsToAny(s.With),
				"env":  stringsToAny(s.Env),
			}
			setOptional(step, "id", s.ID)
			setOptional(step, "if", s.If)
			setOptional(step, "name", s.Name)
			setOptional(step, "uses", s.Uses)
			setOptional(step, "shell", s.Shell)
			setOptional(step, "run", s.Run)
			steps[i] = step
		}
		j := map[string]any{"runs-on": CloneValue(job.RunsOn)}
		if job.Steps != nil {
			j["steps"] = steps
		}
		jobs[id] = j
	}
	doc := map[string]any{
		"on":   CloneValue(wf.On),
		"jobs": jobs,
	}
	setOptional(doc, "name", wf.Name)
	return doc
}

func setOptional(m map[string]any, key string, v *string) {
	if v != nil {
		m[key] = *v
	}
}

func stringsToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
