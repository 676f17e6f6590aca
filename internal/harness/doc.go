// Package harness runs compile scenarios: a workspace of cohorts, the team to
// plan, and per-cohort expectations on the compiled result.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: acme_person
//	description: "Pure person cohorts push down into the person query"
//	workspace: ../workspace/testdata/acme   # relative to the scenario file
//	team: 2
//	cohorts: [1, 2]                         # default: every cohort of the team
//	order: [1, 2]
//	expect:
//	  - cohort: 1
//	    type: person_property
//	    realtime: true
//	    sql_contains: ["ILIKE %(prop_0_value)s"]
//	    params: { prop_0_value: "%@acme.com%" }
//	    columns:
//	      person: [pmat_email]
//	  - cohort: 5
//	    error: E301
//
// Instead of workspace, a scenario may carry its cohorts inline as CUE source
// under cue. Every expectation field is optional; only the fields given are
// checked.
//
// # Golden Files
//
// RunWithGolden renders the compiled plan as text and compares it against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
