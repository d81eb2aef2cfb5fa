// Package tool manages persisted tool records and wires them into the
// connection controller.
//
// The package is split by concern:
//   - tool: the Tool record and its probe descriptor
//   - validate: field validation producing Diagnostic findings
//   - store: memory and SQLite persistence, with credentials encrypted at rest
//   - service: CRUD plus test, connect and disconnect operations
//   - status_sync: mirrors controller status changes onto stored records
//   - retest_scheduler: cron-driven re-test sweep of stored tools
package tool
