// Package crawler defines the domain types and collaborator interfaces shared
// by the job-posting ingest pipeline: postings and their version history,
// discovery candidates, fetch requests and responses, and per-batch results.
package crawler
