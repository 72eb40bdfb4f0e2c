// Package store provides SQLite-backed history of suite runs.
//
// Every recorded run keeps its summary and every case outcome, so a later
// run can be compared against the previous one of the same contract
// version:
//   - runs: one row per suite report, ordered by seq
//   - outcomes: one row per case, ordered by position within the run
//
// Diffs, schema violations and informational entries are stored as a
// msgpack blob per outcome; they are only read back whole.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Outcomes are deleted with their run
package store
