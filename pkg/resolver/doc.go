// Package resolver builds task dependency graphs and derives layered
// execution plans: parallelisable levels, the critical path, and the
// widest-level parallelism estimate. Structural validation (duplicate ids,
// missing dependencies, cycles) happens at build time; the Resolve
// pipeline reports problems as result entries instead of raising them.
package resolver
