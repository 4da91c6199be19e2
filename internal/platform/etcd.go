package platform

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewEtcdClient creates the Cold KV connection used by the global config
// store writer (cmd/configd) and by every node's synchronizer reader
// (cmd/edged).
func NewEtcdClient(ctx context.Context, endpoint string) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Status(pingCtx, endpoint); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging etcd: %w", err)
	}

	return client, nil
}
