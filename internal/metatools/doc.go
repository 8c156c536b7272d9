// Package metatools implements the lazy-loading facade: instead of
// injecting every upstream tool into a session, the aggregator exposes
// three meta-tools through which a client discovers, inspects and
// invokes upstream tools on demand.
//
// The facade keeps the initial tool surface constant regardless of how
// many upstreams are connected, which matters for clients that eagerly
// load every tool schema. Schemas are served from the aggregator's
// cache and backfilled from the owning upstream on miss.
package metatools
