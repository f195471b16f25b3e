// Package routing defines the durable routing store: upstream accounts,
// client-token routes, and resilience tuning, persisted as a JSON
// document.
//
// The store is the gateway's source of truth for which upstream accounts
// exist and how inbound client tokens map onto them. It is edited by the
// admin surface and the credential refresher, reloaded on change, and
// may be supplied inline via FLOWGATE_ROUTING_JSON for read-only
// deployments.
package routing
