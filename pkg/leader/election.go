// Package leader elects one process to run the simulation loop when several
// replicas share a database. Backed by etcd; deployments running a single
// instance skip it entirely.
package leader

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const electionPrefix = "/gridshare/simulation-leader"

// Config for the etcd connection.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	SessionTTL  int
}

// Elector campaigns for simulation leadership.
type Elector struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Elector, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(cfg.SessionTTL))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd session: %w", err)
	}

	return &Elector{client: client, session: session, logger: logger}, nil
}

// RunWhenLeader campaigns, then runs fn while leadership holds. If the etcd
// session lapses, fn's context is cancelled and the campaign restarts.
func (e *Elector) RunWhenLeader(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		election := concurrency.NewElection(e.session, electionPrefix)
		if err := election.Campaign(ctx, id); err != nil {
			return fmt.Errorf("campaign: %w", err)
		}
		e.logger.Info("acquired simulation leadership", zap.String("id", id))

		leadCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-e.session.Done():
				e.logger.Warn("etcd session lapsed, resigning leadership")
				cancel()
			case <-leadCtx.Done():
			}
		}()

		err := fn(leadCtx)
		cancel()

		if ctx.Err() != nil {
			resignCtx, resignCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = election.Resign(resignCtx)
			resignCancel()
			return ctx.Err()
		}
		if err != nil && err != context.Canceled {
			return err
		}
	}
}

// Close releases the session and connection.
func (e *Elector) Close() error {
	e.session.Close()
	return e.client.Close()
}
