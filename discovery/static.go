package discovery

import (
	"context"
	"sync"
	"time"
)

// Static is an in-memory Registry for single-host setups and tests. TTLs are ignored.
type Static struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string]map[chan []Instance]struct{}
}

// NewStatic returns a registry pre-populated with instances of service.
func NewStatic(service string, instances ...Instance) *Static {
	s := &Static{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string]map[chan []Instance]struct{}),
	}
	for _, inst := range instances {
		s.put(service, inst)
	}
	return s
}

func (s *Static) put(service string, inst Instance) {
	if s.services[service] == nil {
		s.services[service] = make(map[string]Instance)
	}
	s.services[service][inst.Addr] = inst
}

func (s *Static) list(service string) []Instance {
	instances := make([]Instance, 0, len(s.services[service]))
	for _, inst := range s.services[service] {
		instances = append(instances, inst)
	}
	return sortInstances(instances)
}

// notify hands every watcher the latest list, replacing one it has not read yet.
// Callers hold s.mu.
func (s *Static) notify(service string) {
	instances := s.list(service)
	for ch := range s.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}

func (s *Static) Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error {
	if inst.Addr == "" {
		return ErrEmptyAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(service, inst)
	s.notify(service)
	return nil
}

func (s *Static) Deregister(ctx context.Context, service, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[service][addr]; !ok {
		return nil
	}
	delete(s.services[service], addr)
	s.notify(service)
	return nil
}

func (s *Static) Discover(ctx context.Context, service string) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(service), nil
}

func (s *Static) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	s.mu.Lock()
	if s.watchers[service] == nil {
		s.watchers[service] = make(map[chan []Instance]struct{})
	}
	s.watchers[service][ch] = struct{}{}
	ch <- s.list(service)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[service], ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}
