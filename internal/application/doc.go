// Package application provides application initialization and dependency wiring.
// It encapsulates the creation of caches, the task broker, worker and
// scheduler, the mailer, OAuth providers, handlers, routers and the HTTP
// server, keeping the main package focused on CLI parsing and orchestration.
package application
