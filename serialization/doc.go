// Package serialization provides the content-type codec registry used by
// the publish and dispatch pipelines.
package serialization
