// Package database provides PostgreSQL connection pool setup for the event
// archive.
package database
