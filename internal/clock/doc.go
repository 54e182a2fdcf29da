// Package clock abstracts the time operations used by the session engine
// so that timers can be driven deterministically in tests.
package clock
