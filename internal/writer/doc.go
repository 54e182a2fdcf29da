// Package writer implements the batch archive writer for routed session
// events.
//
// The writer uses append-only semantics: rows are inserted with
// ON CONFLICT DO NOTHING, so redelivered events are counted as conflicts
// rather than duplicated.
package writer
