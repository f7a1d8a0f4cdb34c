//go:build !linux

package numa

// NewPlacer returns a no-op placer; memory policy binding is linux only.
func NewPlacer() Placer {
	return NoopPlacer{}
}
