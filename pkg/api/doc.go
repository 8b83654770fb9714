// Package api serves the goal engine over HTTP with gin.
//
// Routes under /api/v1:
//
//	GET    /goals                                     goal definitions of the registry
//	GET    /graphs, /graphs/:graph[?format=dot]       catalog graphs
//	POST   /change-events                             submit a change event
//	GET    /change-events                             tracked change events
//	GET    /change-events/:id                         current snapshot
//	DELETE /change-events/:id                         forget a completed graph
//	GET    /change-events/:id/wait[?timeout=30s]      block until complete
//	GET    /change-events/:id/events                  retained event history
//	GET    /change-events/:id/stream                  server-sent events
//	POST   /change-events/:id/cancel                  cancel goals or a cancellation set
//	POST   /change-events/:id/goals/:goal/completion  report a fulfillment result
//	POST   /change-events/:id/goals/:goal/pre-approval
//	POST   /change-events/:id/goals/:goal/approval
//	POST   /change-events/:id/goals/:goal/retry
//	GET    /snapshots, /stats                         stored snapshots (with a store)
//	GET    /policies, /policies/:name                 approval policies
//	POST   /policies/:name/enable|disable
//
// Engine errors map to status codes by code and class: validation errors are
// 400, unknown resources 404, configuration errors 422 and conflicts 409. A
// second decision on a gate answers 409 with the recorded decision.
package api
