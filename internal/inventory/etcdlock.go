package inventory

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const etcdLockPrefix = "/ycmodules/locks"

// EtcdLocker holds an etcd mutex per inventory path. It is for controllers
// on several machines writing one inventory on a shared file system, where
// flock is not reliable.
type EtcdLocker struct {
	client *clientv3.Client
	// TTL is the session lease: a crashed holder releases the lock after it.
	TTL int
}

// NewEtcdLocker connects to the etcd cluster at endpoints.
func NewEtcdLocker(endpoints []string) (*EtcdLocker, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdLocker{client: cli, TTL: 30}, nil
}

// Close closes the etcd client connection
func (l *EtcdLocker) Close() error {
	return l.client.Close()
}

// Lock implements Locker.
func (l *EtcdLocker) Lock(ctx context.Context, path string) (func() error, error) {
	key, err := lockKey(path)
	if err != nil {
		return nil, err
	}

	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.TTL), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	mutex := concurrency.NewMutex(session, key)
	if err := mutex.Lock(ctx); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to lock %s in etcd: %w", key, err)
	}

	return func() error {
		defer session.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mutex.Unlock(ctx); err != nil {
			return fmt.Errorf("failed to unlock %s in etcd: %w", key, err)
		}
		return nil
	}, nil
}

func lockKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve inventory path: %w", err)
	}
	return etcdLockPrefix + filepath.ToSlash(abs), nil
}
