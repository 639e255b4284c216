// Package crawler defines the domain model of the harvest pipeline: the entities
// each stage produces, the collaborator interfaces (fetchers, stores, sinks), the
// error taxonomy, retry policies, and the URL arithmetic that links stages.
package crawler
