// Package core contains the canonical outbound send domain: messages, tenant
// send policy, pause/control state, the send event ledger and inbound webhook
// events, plus the store and provider contracts the dispatch, sweeper,
// webhook and reconciliation components are written against. Adapters depend
// on this package; core must not depend on storage or transport adapters.
package core
