//go:build !linux

package dbusapi

// Service is unavailable on this platform.
type Service struct{}

// Start always fails with ErrUnsupported.
func Start(cfg Config) (*Service, error) {
	return nil, ErrUnsupported
}

// Close does nothing.
func (s *Service) Close() error { return nil }
