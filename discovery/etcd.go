package discovery

import (
	"context"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"procbridge/codec"
)

// KeyPrefix roots every entry. Keys are KeyPrefix + service + "/" + addr.
const KeyPrefix = "/procbridge/"

// Etcd stores instances in etcd as JSON values attached to TTL leases, so a
// crashed server disappears once its lease expires.
type Etcd struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // key -> lease
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // stops keep-alive
}

func NewEtcd(endpoints []string, logger *zap.Logger) (*Etcd, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &Etcd{
		client: c,
		logger: logger,
		leases: make(map[string]registration),
	}, nil
}

func servicePrefix(service string) string {
	return KeyPrefix + service + "/"
}

// Register grants a lease of ttl (rounded up to whole seconds), stores inst under
// it and keeps the lease alive in the background until Deregister or Close.
func (r *Etcd) Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error {
	if inst.Addr == "" {
		return ErrEmptyAddr
	}
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	lease, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return err
	}

	val, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	key := servicePrefix(service) + inst.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// the keep-alive outlives the caller's ctx
	kctx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.cancel()
	}
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()

	r.logger.Info("registered instance", zap.String("service", service), zap.String("addr", inst.Addr))
	return nil
}

// Deregister deletes the entry and revokes its lease.
func (r *Etcd) Deregister(ctx context.Context, service, addr string) error {
	key := servicePrefix(service) + addr

	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.logger.Warn("revoke lease failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

func (r *Etcd) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst, err := decodeInstance(kv.Value)
		if err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return sortInstances(instances), nil
}

// Watch re-reads the whole service prefix on every etcd event.
func (r *Etcd) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)

		emit := func() bool {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("discover failed", zap.String("service", service), zap.Error(err))
				return ctx.Err() == nil
			}
			select {
			case ch <- instances:
				return true
			case <-ctx.Done():
				return false
			}
		}

		watchChan := r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix())
		if !emit() {
			return
		}
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch error", zap.String("service", service), zap.Error(err))
			}
			if !emit() {
				return
			}
		}
	}()

	return ch
}

// Close stops every keep-alive and closes the etcd client. Registered entries
// expire with their leases.
func (r *Etcd) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}

// etcd values use the same JSON codec as the wire.
func encodeInstance(inst Instance) ([]byte, error) {
	return codec.Default().Marshal(inst)
}

func decodeInstance(val []byte) (Instance, error) {
	var inst Instance
	err := codec.Default().Unmarshal(val, &inst)
	return inst, err
}
