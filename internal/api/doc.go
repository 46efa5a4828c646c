// Package api exposes the ingestion trigger and chat turn over a JSON
// HTTP API, plus health probes for container orchestration.
package api
