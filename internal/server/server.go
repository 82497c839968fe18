// Package server assembles the sync engine from configuration and runs the
// periodic sync loop. Business services reach the engine through the
// accessors it exposes; the optional websocket handler serves the authority
// side of the wire protocol for demos and tests.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/core/checksum"
	"github.com/fieldsync/fieldsync/internal/core/connection"
	"github.com/fieldsync/fieldsync/internal/core/events"
	"github.com/fieldsync/fieldsync/internal/core/filter"
	"github.com/fieldsync/fieldsync/internal/core/observability/log"
	"github.com/fieldsync/fieldsync/internal/core/replica"
	"github.com/fieldsync/fieldsync/internal/core/retry"
	"github.com/fieldsync/fieldsync/internal/core/scheduler"
	"github.com/fieldsync/fieldsync/internal/core/session"
	"github.com/fieldsync/fieldsync/internal/core/store"
	"github.com/fieldsync/fieldsync/internal/core/transport"
	"github.com/fieldsync/fieldsync/pkg/backoff"
)

// Server owns the engine's components and the background sync loop.
type Server struct {
	cfg        *config.Engine
	logger     log.Log
	dispatcher *events.Dispatcher
	docs       store.Store
	source     *StoreSource
	conns      *connection.Manager
	sched      *scheduler.Scheduler
	filters    *filter.Filter
	orch       *session.Orchestrator
	link       transport.Transport
	authority  *transport.Loopback
	connID     string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewServer(ctx context.Context, cfg *config.Engine) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := log.New(log.ParseLevel(cfg.LogLevel))
	dispatcher := events.NewDispatcher(events.NewBus(), cfg.EventQueue, logger)

	var docs store.Store
	switch cfg.Store.Backend {
	case "bolt":
		bolt, err := store.NewBoltStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		docs = bolt
	default:
		docs = store.NewMemoryStore()
	}

	var (
		link      transport.Transport
		authority *transport.Loopback
	)
	switch cfg.Transport.Kind {
	case "websocket":
		ws, err := transport.DialWebSocket(ctx, transport.WebSocketConfig{
			URL:         cfg.Transport.URL,
			DialTimeout: cfg.Transport.DialTimeout,
		})
		if err != nil {
			return nil, err
		}
		link = ws
	case "quic":
		q, err := transport.DialQUIC(ctx, transport.QUICConfig{
			Addr:      cfg.Transport.Addr,
			KeepAlive: cfg.Transport.KeepAlive,
		})
		if err != nil {
			return nil, err
		}
		link = q
	default:
		authority = transport.NewLoopback(0)
		link = authority
	}

	sched := scheduler.New(scheduler.DefaultProfiles())
	for _, rule := range cfg.Priorities {
		sched.UpsertRule(scheduler.Rule{
			Collection: rule.Collection,
			Priority:   scheduler.Priority(rule.Priority),
			Order:      rule.Order,
		})
	}
	filters := filter.New()
	for _, rule := range cfg.Filters {
		filters.Upsert(filter.Rule{
			UserID:     rule.UserID,
			Collection: rule.Collection,
			Field:      rule.Field,
			Value:      rule.Value,
			Enabled:    rule.Enabled,
		})
	}

	conns := connection.NewManager(cfg.Connection.MaxReconnectAttempts, logger)
	source := NewStoreSource(docs)
	orch := session.NewOrchestrator(session.Deps{
		Replicas: replica.NewStateStore(docs, dispatcher, logger),
		Retries: retry.NewQueue(docs, dispatcher, backoff.Policy{
			Base:       cfg.Retry.Base,
			Max:        cfg.Retry.Max,
			Multiplier: cfg.Retry.Multiplier,
		}, logger),
		Scheduler:   sched,
		Filter:      filters,
		Verifier:    checksum.NewVerifier(docs, dispatcher, logger),
		Connections: conns,
		Transport:   link,
		Source:      source,
		Docs:        docs,
		Emitter:     dispatcher,
		Logger:      logger,
	})

	return &Server{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		docs:       docs,
		source:     source,
		conns:      conns,
		sched:      sched,
		filters:    filters,
		orch:       orch,
		link:       link,
		authority:  authority,
	}, nil
}

// Start registers the device's connection and launches the periodic sync
// loop. The loop interval follows the scheduler's plan for the current
// connection quality.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	conn := s.conns.Register(s.cfg.UserID, s.cfg.DeviceID)
	s.connID = conn.ID

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go s.loop(loopCtx)

	s.logger.Info("sync engine started",
		log.String("connection_id", s.connID),
		log.String("transport", s.cfg.Transport.Kind),
		log.String("store", s.cfg.Store.Backend))
	return nil
}

func (s *Server) loop(ctx context.Context) {
	defer close(s.done)
	for {
		if _, err := s.conns.Ping(s.connID, s.link.Latency()); err != nil {
			return
		}
		if _, err := s.orch.Run(ctx, s.connID, session.DirectionBidirectional); err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, session.ErrOffline):
				if _, merr := s.conns.MarkReconnecting(s.connID); merr != nil {
					return
				}
			default:
				s.logger.Warn("sync pass failed", log.Error(err))
			}
		}

		interval := s.sched.Plan(s.conns.Quality(s.connID)).NextInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Stop halts the loop and releases the transport, the event queue and the
// store, in that order.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.cancel()
	<-s.done
	s.started = false

	if s.connID != "" {
		if _, err := s.conns.Disconnect(s.connID); err != nil && !errors.Is(err, connection.ErrConnectionNotFound) {
			s.logger.Warn("disconnect failed", log.Error(err))
		}
	}
	err := s.link.Close()
	s.dispatcher.Close()
	if cerr := s.docs.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.logger.Info("sync engine stopped")
	return err
}

// Orchestrator exposes session and indicator operations.
func (s *Server) Orchestrator() *session.Orchestrator { return s.orch }

// Source exposes the local record store for business services.
func (s *Server) Source() *StoreSource { return s.source }

// Connections exposes the connection lifecycle manager.
func (s *Server) Connections() *connection.Manager { return s.conns }

// Events exposes the outbound event dispatcher.
func (s *Server) Events() *events.Dispatcher { return s.dispatcher }

// ConnectionID is the id registered at Start.
func (s *Server) ConnectionID() string { return s.connID }
