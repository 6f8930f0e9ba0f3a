package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/bunkergate/approval"
	"github.com/ggoodman/bunkergate/config"
	"github.com/ggoodman/bunkergate/permission"
	"github.com/ggoodman/bunkergate/policy"
	"github.com/ggoodman/bunkergate/router"
	"github.com/ggoodman/bunkergate/session"
	"github.com/ggoodman/bunkergate/storage"
	"github.com/ggoodman/bunkergate/storage/file"
	"github.com/ggoodman/bunkergate/storage/memory"
	"github.com/ggoodman/bunkergate/storage/redis"
)

// app is the wired broker: durable state, the signer session and the
// request pipeline in front of it.
type app struct {
	store     storage.Storage
	policies  *policy.Store
	sessions  *session.Manager
	approvals *approval.Flow
	router    *router.Router
}

// Close drops the live signer connection and releases the store.
func (a *app) Close() error {
	if client := a.sessions.Client(); client != nil {
		_ = client.Close()
	}
	return a.store.Close()
}

func (c *cli) openStore(ctx context.Context) (storage.Storage, error) {
	sc := c.cfg.Store
	switch sc.Kind {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreRedis:
		client, err := redis.Dial(ctx, sc.RedisAddr, sc.RedisDB)
		if err != nil {
			return nil, err
		}
		return redis.New(redis.Config{Client: client, KeyPrefix: sc.RedisPrefix})
	case config.StoreFile:
		return file.New(sc.Path, file.WithLogger(c.log))
	}
	return nil, fmt.Errorf("unknown store kind %q", sc.Kind)
}

// wire builds the broker around host, the approval surface provider for
// this process.
func (c *cli) wire(ctx context.Context, host approval.Host) (*app, error) {
	st, err := c.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	policies := policy.New(st)
	keys := session.NewKeyStore(st, c.keygen, session.WithPassphrase(c.cfg.Signer.KeyPassphrase))
	sessions := session.NewManager(session.NewStore(st), keys, c.dialer,
		session.WithConnectTimeout(c.cfg.Signer.ConnectTimeout),
		session.WithResolver(c.resolve),
		session.WithLogger(c.log),
	)
	flow := approval.New(host, policies, approval.WithLogger(c.log))
	broker := permission.New(policies, flow, permission.WithLogger(c.log))
	r := router.New(sessions, broker, flow, policies,
		router.WithSignerTimeout(c.cfg.Signer.CallTimeout),
		router.WithLogger(c.log),
	)

	return &app{
		store:     st,
		policies:  policies,
		sessions:  sessions,
		approvals: flow,
		router:    r,
	}, nil
}

var errNoSurfaces = errors.New("approval surfaces are unavailable in this mode")

// noSurfaces backs management commands, which never prompt.
type noSurfaces struct{}

func (noSurfaces) LastFocused(context.Context) (approval.Bounds, bool, error) {
	return approval.Bounds{}, false, nil
}

func (noSurfaces) Spawn(context.Context, approval.SpawnRequest) (approval.Handle, error) {
	return "", errNoSurfaces
}
