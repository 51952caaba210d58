// Package memory is an in-memory metadata store. It backs tests and
// local development without postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"faas-engine/internal/core/deployments"
	"faas-engine/internal/core/invocations"
	"faas-engine/internal/core/keys"
)

type Store struct {
	mu        sync.RWMutex
	functions map[string]deployments.Function
	deps      map[string]deployments.Deployment
	keys      map[string]keys.ApiKey // by public ref
	records   []invocations.Record
}

func NewStore() *Store {
	return &Store{
		functions: make(map[string]deployments.Function),
		deps:      make(map[string]deployments.Deployment),
		keys:      make(map[string]keys.ApiKey),
	}
}

func (s *Store) CreateFunction(_ context.Context, fn *deployments.Function) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functions[fn.ID] = *fn
	return nil
}

func (s *Store) SaveFunction(_ context.Context, fn *deployments.Function) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.functions[fn.ID]; !ok {
		return deployments.ErrNotFound
	}
	s.functions[fn.ID] = *fn
	return nil
}

func (s *Store) GetFunction(_ context.Context, id string) (*deployments.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.functions[id]
	if !ok {
		return nil, deployments.ErrNotFound
	}
	return &fn, nil
}

func (s *Store) FindFunction(_ context.Context, ownerID, name string) (*deployments.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.functions {
		if fn.OwnerID == ownerID && fn.Name == name {
			fn := fn
			return &fn, nil
		}
	}
	return nil, deployments.ErrNotFound
}

func (s *Store) ListFunctions(_ context.Context) ([]deployments.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]deployments.Function, 0, len(s.functions))
	for _, fn := range s.functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateDeployment(_ context.Context, d *deployments.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps[d.ID] = *d
	return nil
}

func (s *Store) GetDeployment(_ context.Context, id string) (*deployments.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deps[id]
	if !ok {
		return nil, deployments.ErrNotFound
	}
	return &d, nil
}

func (s *Store) GetDeploymentByVersion(_ context.Context, functionID string, version int) (*deployments.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deps {
		if d.FunctionID == functionID && d.Version == version {
			d := d
			return &d, nil
		}
	}
	return nil, deployments.ErrNotFound
}

func (s *Store) ListDeployments(_ context.Context, functionID string) ([]deployments.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []deployments.Deployment
	for _, d := range s.deps {
		if d.FunctionID == functionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *Store) MaxVersion(_ context.Context, functionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, d := range s.deps {
		if d.FunctionID == functionID && d.Version > max {
			max = d.Version
		}
	}
	return max, nil
}

func (s *Store) SetDeploymentStatus(_ context.Context, id string, status deployments.DeploymentStatus, imageRef, buildLog string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deps[id]
	if !ok {
		return deployments.ErrNotFound
	}
	d.Status = status
	d.BuildLog = buildLog
	if imageRef != "" {
		d.ImageRef = imageRef
	}
	s.deps[id] = d
	return nil
}

// Activate mirrors the gorm store's transactional flip under one lock.
func (s *Store) Activate(_ context.Context, functionID, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.deps[deploymentID]
	if !ok || target.FunctionID != functionID {
		return deployments.ErrNotFound
	}
	for id, d := range s.deps {
		if d.FunctionID != functionID || id == deploymentID {
			continue
		}
		if d.Status == deployments.DeploymentDeployed {
			d.Status = deployments.DeploymentReady
		}
		d.IsActive = false
		s.deps[id] = d
	}
	target.IsActive = true
	target.Status = deployments.DeploymentDeployed
	s.deps[deploymentID] = target

	fn, ok := s.functions[functionID]
	if !ok {
		return deployments.ErrNotFound
	}
	fn.ActiveDeploymentID = deploymentID
	fn.Status = deployments.FunctionActive
	s.functions[functionID] = fn
	return nil
}

func (s *Store) ActiveDeployment(_ context.Context, functionID string) (*deployments.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deps {
		if d.FunctionID == functionID && d.IsActive {
			d := d
			return &d, nil
		}
	}
	return nil, deployments.ErrNotFound
}

func (s *Store) FailStaleBuilds(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.deps {
		if d.Status == deployments.DeploymentBuilding && d.CreatedAt.Before(cutoff) {
			d.Status = deployments.DeploymentFailed
			d.BuildLog = "build interrupted by engine restart"
			s.deps[id] = d
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateKey(_ context.Context, k *keys.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.PublicRef] = *k
	return nil
}

func (s *Store) SaveKey(_ context.Context, k *keys.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.PublicRef]; !ok {
		return keys.ErrNotFound
	}
	s.keys[k.PublicRef] = *k
	return nil
}

func (s *Store) GetKey(_ context.Context, publicRef string) (*keys.ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[publicRef]
	if !ok {
		return nil, keys.ErrNotFound
	}
	return &k, nil
}

func (s *Store) ListKeys(_ context.Context, functionID string) ([]keys.ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []keys.ApiKey
	for _, k := range s.keys {
		if k.FunctionID == functionID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateInvocationRecord(_ context.Context, rec *invocations.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

func (s *Store) ListInvocationRecords(_ context.Context, functionID string) ([]invocations.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []invocations.Record
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].FunctionID == functionID {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}
