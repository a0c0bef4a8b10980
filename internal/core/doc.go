// Package core provides the business logic for bulk product imports.
//
// This package contains all domain logic independent of any transport layer.
// It can be driven by the HTTP handlers in internal/web, a CLI, or tests
// without modification.
//
// # Pipeline
//
// An import moves through an upload session:
//
//  1. [Ingestor] parses CSV, JSON or XLSX into ordered [Record] values,
//     in memory below the streaming threshold and through a temporary
//     NDJSON [Artifact] at or above it.
//  2. [Profiler] infers a [SourceField] profile for every column.
//  3. [MappingEngine] resolves each source field onto the [Catalogue]
//     through the exact, fuzzy, historical, statistical and semantic
//     stages, learning confirmed mappings in a [MappingCache].
//  4. [Validator] checks the projected records and attaches auto-fixes.
//  5. [RecoverySession] applies single, bulk and automatic fixes.
//  6. [Execution] writes products to a [ProductStore] in batches and
//     publishes [ImportProgress] through a [ProgressHub].
//
// [Service] owns the sessions and enforces the status transitions between
// these steps.
//
// # Error Handling
//
// Typed errors ([IngestError], [MappingConflict], [RecoveryError],
// [ExecutionFailure], [ExternalServiceFailure]) carry machine readable
// context. [MapError] turns any error into a [UserMessage] with a support
// code:
//
//   - FILE001-FILE099: ingest errors (size, format, structure)
//   - MAP001-MAP099: mapping conflicts
//   - VAL001-VAL099: validation gates
//   - REC001-REC099: rejected fix requests
//   - IMP001-IMP099: import execution
//   - SES001-SES099: session lookup and lifecycle
//   - EXT001-EXT099: external collaborators
//   - UPL001-UPL099: upload throttling and cancellation
//
// # Audit Logging
//
// Fixes, overrides and import transitions are written as structured audit
// events through [Auditor] with a severity level:
//
//   - Low: session creation and expiry
//   - Medium: single fixes, mapping overrides, finished import runs
//   - High: bulk fixes, auto-fix passes, undo, import start and retry
//   - Critical: import cancellation, session deletion
package core
