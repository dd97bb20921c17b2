// Package audit provides an append-only audit trail backed by
// PostgreSQL.
//
// Write side: handlers and middleware record events through the
// Recorder facade, which never propagates persistence failures back to
// the request that triggered the audited action. Read side: Search,
// GetStats and Export serve the admin API. A cron-scheduled
// RetentionSweeper purges expired entries, optionally archiving them to
// S3 or the local filesystem first.
package audit
