// Package core provides the domain models and interfaces for the
// orchestration engine: jobs, tasks, stage descriptors, queue messages,
// and the state store contract.
package core
