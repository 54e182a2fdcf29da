// Package model defines the archive row types shared by the writer and the
// CLI.
//
// Conventions:
//   - Timestamps: int64 microseconds since Unix epoch
//   - IDs: uuid.UUID, derived from (connection_id, seq) when both are known
package model
