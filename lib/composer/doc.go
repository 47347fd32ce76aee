// Package composer chains independently written scraping units into a single
// crawl.
//
// each unit follows the same shape: 1) input -> req 2) req -> res 3) res -> output.
// the composer is the part that guides a response from one unit to the next, it
// takes the output requests of stage N, stamps them with an Envelope and hands
// them back to whoever fetches, the fetched response is then parsed by stage N+1.
//
// the composer itself does no I/O, fetching, rate limiting and retries belong
// to the caller (see lib/engine), all state that survives between two calls of
// HandleResponse travels inside the Envelope.
package composer
