// Package taskd implements a tool-execution gateway for a change
// repository. A fixed registry of tools (change.open, change.archive,
// change.read, changes.active, changes.list) is served over two streaming
// transports (SSE on /sse, NDJSON on /mcp) behind an
// authentication/CORS/rate-limit pipeline. Mutating tools serialize on a
// crash-tolerant on-disk lock; listing tools page through the repository
// with cursor-stable pagination.
package taskd
