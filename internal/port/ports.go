// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

// Cache is a TTL set of recently seen keys.
type Cache[T any] interface {
	// SetIfAbsent stores value only when key is not live and reports
	// whether it did.
	SetIfAbsent(key string, value T) bool
	Delete(key string)
}
