// Package router fans delivered session events out into named buffers,
// selected by event name, for downstream consumers such as the archive
// writer.
package router
