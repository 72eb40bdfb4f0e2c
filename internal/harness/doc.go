// Package harness runs compatibility cases against black-box binaries and
// aggregates their outcomes into a suite report.
//
// # Groups and Cases
//
// A Group is a unit of scheduling. Cases inside one group run in order on
// one worker and may share state set up by Group.Setup (for example one
// protocol session). Independent groups run in parallel on a bounded pool.
// The report lists outcomes in declared order regardless of scheduling.
//
// # Outcomes
//
// Every case ends Passed, Failed or Skipped:
//
//   - A case whose required binary is not configured is Skipped with reason
//     "binary not configured: <ENV>".
//   - A configured binary that cannot be spawned fails the case, unless it
//     is the optional previous release, which skips.
//   - Any other error is classified into the error taxonomy (timeout,
//     output_mismatch, schema_violation, protocol_error,
//     cross_version_regression) and fails the case with its full detail.
//   - A timeout or protocol error inside a shared session fails every case
//     of the group, including those that already passed.
//
// A failure never stops sibling cases or groups.
package harness
