// Package cache persists, per tracked category, the streams seen by the last
// poll. It is pure storage: deciding what changed is the detect package's job.
package cache
