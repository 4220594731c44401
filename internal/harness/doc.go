// Package harness runs YAML conformance scenarios against the engine.
//
// A scenario names a request, a sequence of step reports (or an
// abandonment) with the handling each must receive, and assertions on the
// resulting trace, final status and stored rows:
//
//	name: two-job-success
//	description: every step completes
//	request_file: requests/two-job.yaml
//	flow:
//	  - job: build
//	    step: "0"
//	    status: complete
//	    expect: {result: applied, overall: in_progress}
//	assertions:
//	  - type: final_status
//	    status: complete
//	    exit_status: success
//
// Every run uses a fresh in-memory store and a fixed evaluation id, so the
// trace is deterministic and can be compared against a golden file with
// RunWithGolden. After the flow the evaluation is rebuilt from the store in
// a second engine; any divergence from the live run fails the scenario.
package harness
