// netconfigd consumes execution requests from Kafka, drives SSH sessions
// against the devices through a bounded worker pool, and publishes the
// resulting reports.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nce-project/nce/pkg/config"
	"github.com/nce-project/nce/pkg/dial"
	"github.com/nce-project/nce/pkg/kafkautil"
	"github.com/nce-project/nce/pkg/lg"
	"github.com/nce-project/nce/pkg/models"
	"github.com/nce-project/nce/pkg/profile"
	"github.com/nce-project/nce/pkg/runner"
	"github.com/nce-project/nce/pkg/shell"
	"github.com/nce-project/nce/pkg/workerpool"
)

const (
	serviceName    = "nce-netconfigd"
	publishTimeout = 10 * time.Second
)

type executorService struct {
	runner   *runner.Runner
	pool     *workerpool.Pool[models.ExecRequest]
	consumer *kafkautil.Consumer[models.ExecRequest]
	producer *kafkautil.Producer[models.ReportEnvelope]
	cfg      config.ExecutorConfig
	logger   lg.Logger
}

func newExecutorService(cfg config.ExecutorConfig, logger lg.Logger) *executorService {
	r := runner.New(profile.NewRegistry(logger), logger)
	r.SetDial(dial.NewResilient(nil))
	return &executorService{
		runner:   r,
		pool:     workerpool.NewPool[models.ExecRequest](cfg.MaxWorkers),
		consumer: kafkautil.NewConsumer[models.ExecRequest](cfg.Requests),
		producer: kafkautil.NewProducer[models.ReportEnvelope](cfg.Reports),
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *executorService) consume(ctx context.Context) error {
	for {
		request, err := s.consumer.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			s.logger.Error("failed to read request", lg.Err(err))
			time.Sleep(time.Second)
			continue
		}
		s.logger.Info("request received",
			lg.String("executionUid", request.ExecutionUID.String()),
			lg.String("device", request.DeviceAddress))

		s.pool.Submit(workerpool.Job[models.ExecRequest]{
			Payload: request,
			Fn:      func(req models.ExecRequest) error { return s.execute(ctx, req) },
			Ctx:     lg.Attach(ctx, s.logger),
		})
	}
}

func (s *executorService) execute(ctx context.Context, request models.ExecRequest) error {
	logger := s.logger.With(
		lg.String("executionUid", request.ExecutionUID.String()),
		lg.String("device", request.DeviceAddress))

	report, err := s.runner.Run(ctx, runner.BatchRequest{
		Commands:      request.Commands,
		EquipmentType: request.EquipmentType,
		Delay:         s.cfg.CommandDelay.Std(),
		Device: shell.Config{
			Addr:           request.DeviceAddress,
			Port:           request.Port,
			User:           request.Username,
			Password:       request.Password,
			KeyPath:        request.KeyPath,
			ConnectTimeout: s.cfg.ConnectTimeout.Std(),
			CommandTimeout: s.cfg.CommandTimeout.Std(),
		},
	})
	if err != nil {
		logger.Error("execution failed", lg.Err(err))
	}

	envelope := models.ReportEnvelope{
		ExecutionUID:  request.ExecutionUID,
		DeviceAddress: request.DeviceAddress,
		Report:        report,
		ExecutedAt:    time.Now().UTC(),
	}
	pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if perr := s.producer.Write(pubCtx, request.ExecutionUID.String(), envelope); perr != nil {
		logger.Error("failed to publish report", lg.Err(perr))
		return perr
	}
	logger.Info("report published", lg.Bool("success", report.Success))
	return err
}

func (s *executorService) shutdown() {
	s.pool.Stop()
	if err := s.consumer.Close(); err != nil {
		s.logger.Warn("consumer close failed", lg.Err(err))
	}
	if err := s.producer.Close(); err != nil {
		s.logger.Warn("producer close failed", lg.Err(err))
	}
}

func main() {
	configPath := flag.String("config", "configs/netconfigd.yaml", "path to config file")
	flag.Parse()

	var cfg config.ExecutorConfig
	if err := config.Load(*configPath, &cfg); err != nil {
		lg.New(&lg.Config{ServiceName: serviceName}).Error("failed to load config", lg.Err(err))
		os.Exit(1)
	}

	logger := lg.New(&lg.Config{
		ServiceName: serviceName,
		Debug:       cfg.Debug,
		Format:      cfg.LogFormat,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service := newExecutorService(cfg, logger)
	logger.Info("service starting",
		lg.String("requestsTopic", cfg.Requests.Topic),
		lg.String("reportsTopic", cfg.Reports.Topic))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.consume(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("service failed", lg.Err(err))
		service.shutdown()
		os.Exit(1)
	}
	logger.Info("service stopping")
	service.shutdown()
}
