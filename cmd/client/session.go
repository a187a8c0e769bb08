package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"pm_chat/internal/config"
	"pm_chat/internal/cryptographic/keystore"
	"pm_chat/internal/protocol/mesh"
	"pm_chat/internal/protocol/oob"
	"pm_chat/internal/repository/locallog"
	"pm_chat/internal/service/crypto"
	"pm_chat/internal/service/dispatch"
	"pm_chat/internal/service/messenger"
	"pm_chat/internal/service/transport"
	"pm_chat/internal/utils/log"
)

const outboxFile = "outbox.txt"

// session is one unlocked identity with its transports running.
type session struct {
	userID    string
	store     *locallog.Log
	engine    *crypto.Engine
	transport *transport.Manager
	mesh      *mesh.Mesh
	messenger *messenger.Messenger

	cancel context.CancelFunc
	done   chan struct{}
}

func userDir(c config.ClientConfig, userID string) string {
	return filepath.Join(c.DataDir, userID)
}

func openKeystore(c config.ClientConfig, userID string) (*keystore.Keystore, error) {
	return keystore.New(userDir(c, userID), keystore.DefaultParams)
}

func openSession(ctx context.Context, c config.ClientConfig, userID, passphrase, token string) (*session, error) {
	if userID == "" {
		return nil, errors.New("user id required (--user)")
	}
	if passphrase == "" {
		return nil, errors.New("passphrase required (-p or PMCHAT_PASSPHRASE)")
	}

	ks, err := openKeystore(c, userID)
	if err != nil {
		return nil, err
	}
	store, err := locallog.Open(ctx, filepath.Join(userDir(c, userID), "log.db"))
	if err != nil {
		return nil, fmt.Errorf("open local log: %w", err)
	}
	engine, err := crypto.Unlock(userID, ks, passphrase, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("unlock identity: %w", err)
	}

	opts := transport.OptionsFromConfig(c)
	s := &session{
		userID:    userID,
		store:     store,
		engine:    engine,
		transport: transport.NewManager(opts, token),
	}

	var meshSender dispatch.MeshSender
	if c.Mesh.Listen != "" || len(c.Mesh.Peers) > 0 {
		m, err := mesh.New(mesh.Presence{UserID: userID, PublicKey: engine.PublicKey()}, mesh.OptionsFromConfig(c.Mesh))
		if err != nil {
			store.Close()
			return nil, err
		}
		s.mesh = m
		meshSender = m
	}

	d := dispatch.New(s.transport, meshSender, oob.NewOutbox(filepath.Join(c.DataDir, outboxFile)))
	s.messenger = messenger.New(engine, store, transport.NewKeyClient(opts, token), d)
	return s, nil
}

// start brings up the relay connection, the mesh and the messenger loop.
func (s *session) start(ctx context.Context, c config.MeshConfig) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	if err := s.transport.Start(ctx); err != nil {
		return err
	}

	var meshIn <-chan mesh.Inbound
	if s.mesh != nil {
		if c.Listen != "" {
			if _, err := s.mesh.Listen(ctx, c.Listen); err != nil {
				return fmt.Errorf("mesh listen: %w", err)
			}
		}
		for _, addr := range c.Peers {
			if _, err := s.mesh.Dial(ctx, addr); err != nil {
				log.Warn("mesh peer unreachable", zap.String("addr", addr), zap.Error(err))
			}
		}
		go s.mesh.Run(ctx)
		meshIn = s.mesh.Inbound()
	}

	go func() {
		defer close(s.done)
		s.messenger.Run(ctx, s.transport.Events(), meshIn)
	}()
	return nil
}

func (s *session) close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.transport.Close()
	if s.mesh != nil {
		s.mesh.Close()
	}
	if s.done != nil {
		<-s.done
	}
	s.store.Close()
}
