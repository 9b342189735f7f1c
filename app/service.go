// Package app wires the controller from configuration: Core API client,
// thermal learner, planner, dispatcher, bus subscriber and sinks.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gridpilot/hems/config"
	"github.com/gridpilot/hems/core/devicemodel"
	"github.com/gridpilot/hems/core/dispatcher"
	coremetrics "github.com/gridpilot/hems/core/metrics"
	"github.com/gridpilot/hems/core/planner"
	"github.com/gridpilot/hems/core/rtl"
	"github.com/gridpilot/hems/core/thermal"
	"github.com/gridpilot/hems/infra/coreapi"
	"github.com/gridpilot/hems/infra/logger"
	"github.com/gridpilot/hems/infra/metrics"
	"github.com/gridpilot/hems/infra/mqtt"
	"github.com/gridpilot/hems/infra/tsdb"
	"github.com/gridpilot/hems/internal/eventbus"
)

// Service orchestrates the dispatcher, the bus subscriber and the sinks.
type Service struct {
	Dispatcher *dispatcher.Dispatcher
	subscriber *mqtt.Subscriber
	events     *eventbus.Bus
	log        logger.Logger
	cfg        *config.Config
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	api := coreapi.NewHTTPClient(cfg.CoreAPI, logger.New("core_api"))

	var sink coremetrics.Sink = coremetrics.NopSink{}
	if cfg.Metrics.PrometheusEnabled {
		prom, err := metrics.NewPromSink()
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sink = prom
	}

	var writer planner.ResultWriter
	if cfg.Influx.Enabled {
		writer = tsdb.NewInfluxWriterWithFallback(cfg.Influx, logger.New("influx"))
	}

	store := thermal.NewStore(cfg.Thermal.ModelPath)
	learner := thermal.NewLearner(logger.New("thermal"))
	learner.LambdaX = cfg.Thermal.LambdaX
	learner.LambdaU = cfg.Thermal.LambdaU
	learner.LambdaW = cfg.Thermal.LambdaW
	validator := thermal.NewValidator(store, learner, api,
		time.Duration(cfg.Thermal.TTLHours)*time.Hour,
		time.Duration(cfg.Thermal.LookbackDays)*24*time.Hour,
		logger.New("thermal"))

	registry := devicemodel.NewRegistry(validator, logger.New("devices"))
	pl := planner.New(api, registry, writer, sink, cfg.Planner.Priority, logger.New("planner"))

	events := eventbus.New()
	disp := dispatcher.New(pl, api, cfg.RTL.ToCore(), events, sink,
		time.Duration(cfg.Planner.LeadTimeMin)*time.Minute, logger.New("dispatcher"))

	sub, err := mqtt.NewSubscriber(cfg.MQTT, disp.HandleMessage, logger.New("mqtt"))
	if err != nil {
		return nil, fmt.Errorf("mqtt subscriber: %w", err)
	}

	return &Service{
		Dispatcher: disp,
		subscriber: sub,
		events:     events,
		log:        logg,
		cfg:        cfg,
	}, nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	events := s.events.Subscribe()
	go func() {
		for ev := range events {
			switch e := ev.(type) {
			case dispatcher.CycleResultEvent:
				s.subscriber.PublishAck(e.Ack)
			case rtl.NotifyEvent:
				s.subscriber.PublishNotify(e)
			}
		}
	}()

	s.log.Infof("controller running, awaiting planning requests")
	<-ctx.Done()
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.Dispatcher.Shutdown()
	s.events.Close()
	s.subscriber.Disconnect()
	return nil
}
