package model

import (
	"context"
	"fmt"
	"sync"
)

// Registry fetches read-only artifacts by version
type Registry interface {
	Fetch(ctx context.Context, version string) (*Artifact, error)
}

// StaticRegistry serves artifacts held in memory
type StaticRegistry struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
}

func NewStaticRegistry(artifacts ...*Artifact) *StaticRegistry {
	r := &StaticRegistry{artifacts: make(map[string]*Artifact, len(artifacts))}
	for _, a := range artifacts {
		r.artifacts[a.Version] = a
	}
	return r
}

func (r *StaticRegistry) Fetch(_ context.Context, version string) (*Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.artifacts[version]
	if !ok {
		return nil, fmt.Errorf("model version %s not found", version)
	}
	return a, nil
}

// Put adds or replaces a version
func (r *StaticRegistry) Put(a *Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[a.Version] = a
}
