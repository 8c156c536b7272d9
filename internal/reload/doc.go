// Package reload applies configuration changes to a running proxy
// without a restart. The engine diffs snapshots into a minimal change
// plan, applies it to the upstream fleet and republishes the capability
// surface; a circuit breaker suspends template processing after
// repeated materialization failures so a broken template cannot take
// down session establishment.
package reload
