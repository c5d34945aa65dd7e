// Copyright 2026 rnr Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rnr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/hydrovis/rnr/health"
	"github.com/hydrovis/rnr/internal/config"
	"github.com/hydrovis/rnr/internal/rabbitmq"
	"github.com/hydrovis/rnr/internal/reliability"
	"github.com/hydrovis/rnr/middleware"
)

var (
	ErrAlreadyRunning  = errors.New("rnr: service already running")
	ErrNotRunning      = errors.New("rnr: service not running")
	ErrShutdownTimeout = errors.New("rnr: handlers still running after shutdown timeout")
)

// Service consumes the priority and base queues and dispatches each request
// to a Dispatcher.
type Service struct {
	settings    config.Settings
	dispatcher  Dispatcher
	logger      *slog.Logger
	connOptions []rabbitmq.ConnectionOption
	middlewares []middleware.Middleware
	meter       metric.Meter

	manager *rabbitmq.ConnectionManager
	health  *health.Registry

	mu        sync.Mutex
	running   bool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	ready     chan struct{}
}

// Status is a snapshot of the service state
type Status struct {
	Running      bool
	Connected    bool
	ActiveQueues []string
}

// Option configures the service
type Option func(*Service)

// WithLogger sets the logger for the service and the broker layer
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(options ...rabbitmq.ConnectionOption) Option {
	return func(s *Service) {
		s.connOptions = append(s.connOptions, options...)
	}
}

// WithMiddleware replaces the handler middlewares, outermost first
func WithMiddleware(middlewares ...middleware.Middleware) Option {
	return func(s *Service) {
		s.middlewares = middlewares
	}
}

// WithMeter sets the meter for consumer metrics
func WithMeter(meter metric.Meter) Option {
	return func(s *Service) {
		s.meter = meter
	}
}

// NewService validates settings and prepares a service. Nothing connects
// until Run.
func NewService(settings config.Settings, dispatcher Dispatcher, options ...Option) (*Service, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher is required", config.ErrInvalidSettings)
	}

	s := &Service{
		settings:   settings,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		ready:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.middlewares == nil {
		s.middlewares = []middleware.Middleware{
			middleware.Tracing(),
			middleware.Logging(s.logger),
		}
	}

	connOptions := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(s.logger),
		rabbitmq.WithConnectionName(settings.ConnectionName),
	}, s.connOptions...)
	s.manager = rabbitmq.NewConnectionManager(settings.AMQPURL, connOptions...)

	topology := rabbitmq.NewTopologyManager(s.manager)
	s.health = health.NewRegistry(
		health.NewRabbitMQChecker(s.manager),
		health.NewQueueChecker(settings.PriorityQueue, topology, 0),
		health.NewQueueChecker(settings.BaseQueue, topology, 0),
		health.NewConsumerChecker(s, settings.PriorityQueue, settings.BaseQueue),
	)

	return s, nil
}

// Run connects, declares the queues and consumes until ctx is cancelled.
//
// A failed connect or topology declaration is returned without consuming
// anything. Once ctx is done the consumer stops first, waiting for running
// handlers up to the shutdown timeout, then the publisher closes and
// finally the connection.
func (s *Service) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.publisher, s.consumer = nil, nil
		s.mu.Unlock()
	}()

	s.logger.Info("starting rnr consumer",
		"url", rabbitmq.SanitizeURL(s.settings.AMQPURL),
		"priorityQueue", s.settings.PriorityQueue,
		"baseQueue", s.settings.BaseQueue,
		"errorQueue", s.settings.ErrorQueue,
		"priorityConcurrency", s.settings.PriorityConcurrency,
		"baseConcurrency", s.settings.BaseConcurrency,
		"sharedConcurrency", s.settings.SharedConcurrency,
	)

	if err := s.manager.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := s.manager.Disconnect(); cerr != nil {
			s.logger.Warn("error during disconnect", "error", cerr)
		}
	}()

	publisher := rabbitmq.NewPublisher(s.manager,
		rabbitmq.WithConfirmTimeout(s.settings.ConfirmTimeout),
		rabbitmq.WithPublisherLogger(s.logger),
	)
	defer publisher.Close()

	policy := reliability.NewRequeuePolicy(publisher, s.settings.ErrorQueue,
		reliability.WithMaxRetries(s.settings.MaxRetries),
		reliability.WithDLQLogger(s.logger),
	)

	consumerOptions := []rabbitmq.ConsumerOption{
		rabbitmq.WithTopology(rabbitmq.DefaultTopology(
			s.settings.PriorityQueue,
			s.settings.BaseQueue,
			s.settings.ErrorQueue,
		)),
		rabbitmq.WithFailureHandler(policy),
		rabbitmq.WithSharedLimit(s.settings.SharedConcurrency),
		rabbitmq.WithConsumerLogger(s.logger),
	}
	if s.meter != nil {
		consumerOptions = append(consumerOptions, rabbitmq.WithMeter(s.meter))
	}
	consumer := rabbitmq.NewConsumer(s.manager, s.bindings(), consumerOptions...)

	if err := consumer.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if serr := s.stopConsumer(consumer); serr != nil && err == nil {
			err = serr
		}
	}()

	s.mu.Lock()
	s.publisher, s.consumer = publisher, consumer
	ready := s.ready
	s.mu.Unlock()
	close(ready)

	s.logger.Info("rnr consumer running")
	<-ctx.Done()
	s.logger.Info("shutting down rnr consumer")

	s.mu.Lock()
	s.ready = make(chan struct{})
	s.mu.Unlock()

	return nil
}

func (s *Service) stopConsumer(consumer *rabbitmq.Consumer) error {
	stopped := make(chan struct{})
	go func() {
		consumer.Stop()
		close(stopped)
	}()

	timer := time.NewTimer(s.settings.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-stopped:
		return nil
	case <-timer.C:
		s.logger.Error("shutdown timeout reached, closing connection under running handlers",
			"timeout", s.settings.ShutdownTimeout)
		return ErrShutdownTimeout
	}
}

func (s *Service) bindings() []rabbitmq.Binding {
	flood := func(ctx context.Context, d *Delivery) error {
		return s.dispatcher.ProcessFloodRequest(ContextWithSender(ctx, s), d)
	}
	request := func(ctx context.Context, d *Delivery) error {
		return s.dispatcher.ProcessRequest(ContextWithSender(ctx, s), d)
	}

	return []rabbitmq.Binding{
		{
			Tier:        rabbitmq.TierPriority,
			Queue:       s.settings.PriorityQueue,
			Handler:     middleware.Chain(flood, s.middlewares...),
			Concurrency: s.settings.PriorityConcurrency,
		},
		{
			Tier:        rabbitmq.TierBase,
			Queue:       s.settings.BaseQueue,
			Handler:     middleware.Chain(request, s.middlewares...),
			Concurrency: s.settings.BaseConcurrency,
		},
	}
}

// Ready is closed once the service consumes from both queues
func (s *Service) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Send publishes messages through the running service's publisher
func (s *Service) Send(ctx context.Context, routingKey string, messages ...Message) (BatchResult, error) {
	s.mu.Lock()
	publisher := s.publisher
	s.mu.Unlock()

	if publisher == nil {
		return BatchResult{}, ErrNotRunning
	}
	return publisher.Send(ctx, routingKey, messages...)
}

// Sender returns the service as a Sender
func (s *Service) Sender() Sender {
	return s
}

// ActiveQueues returns the queues currently consumed
func (s *Service) ActiveQueues() []string {
	s.mu.Lock()
	consumer := s.consumer
	s.mu.Unlock()

	if consumer == nil {
		return nil
	}
	return consumer.ActiveQueues()
}

// Status returns a snapshot of the service state
func (s *Service) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return Status{
		Running:      running,
		Connected:    s.manager.Status(),
		ActiveQueues: s.ActiveQueues(),
	}
}

// Health returns the registry checking the broker, the queues and the consumer
func (s *Service) Health() *health.Registry {
	return s.health
}
