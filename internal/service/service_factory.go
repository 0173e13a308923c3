package service

import (
	"sync"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages the security core instance
type ServiceFactory struct {
	deps   Dependencies
	logger *zap.Logger

	mu   sync.Mutex
	core *SecurityCore
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps Dependencies, logger *zap.Logger) *ServiceFactory {
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &ServiceFactory{deps: deps, logger: logger}
}

// SecurityCore returns the security core instance (singleton)
func (f *ServiceFactory) SecurityCore() *SecurityCore {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.core == nil {
		f.core = NewSecurityCore(f.deps)
	}
	return f.core
}

// Cleanup waits for background syncs and flushes audit events
func (f *ServiceFactory) Cleanup() {
	f.mu.Lock()
	core := f.core
	f.mu.Unlock()
	if core != nil {
		core.Close()
	}
}
