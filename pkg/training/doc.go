// Package training holds the domain model behind the auth subsystem:
// programs, locations, participants and cohorts, with enrollment and
// bulk import. Every mutation writes an audit entry.
package training
