// Package storage persists job configurations and run history.
//
// Job configs are what the caller re-submits to the scheduler at startup;
// live execution plans are deliberately not persisted. Run history records
// each firing outcome for the admin API.
package storage
