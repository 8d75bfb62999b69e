// reportsink consumes execution reports from Kafka and persists them in
// MongoDB.
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
	"github.com/nce-project/nce/pkg/kafkautil"
	"github.com/nce-project/nce/pkg/lg"
	"github.com/nce-project/nce/pkg/models"
	"github.com/nce-project/nce/pkg/reportstore"
)

const (
	serviceName = "nce-reportsink"
	saveTimeout = 30 * time.Second
)

type sinkService struct {
	consumer *kafkautil.Consumer[models.ReportEnvelope]
	store    reportstore.Store
	logger   lg.Logger
}

func (s *sinkService) consume(ctx context.Context) error {
	for {
		envelope, err := s.consumer.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			s.logger.Error("failed to read report", lg.Err(err))
			time.Sleep(time.Second)
			continue
		}

		logger := s.logger.With(
			lg.String("executionUid", envelope.ExecutionUID.String()),
			lg.String("device", envelope.DeviceAddress))

		saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		err = s.store.Save(saveCtx, envelope)
		cancel()
		if err != nil {
			logger.Error("failed to save report", lg.Err(err))
			continue
		}
		logger.Info("report saved", lg.Bool("success", envelope.Report.Success))
	}
}

func main() {
	configPath := flag.String("config", "configs/reportsink.yaml", "path to config file")
	flag.Parse()

	var cfg config.SinkConfig
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

	store, err := reportstore.NewMongoStore(cfg.Mongo.URI, cfg.Mongo.DBName, cfg.Mongo.CollName)
	if err != nil {
		logger.Error("failed to initialize report store", lg.Err(err))
		os.Exit(1)
	}
	logger.Info("connected to MongoDB", lg.String("db", cfg.Mongo.DBName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service := &sinkService{
		consumer: kafkautil.NewConsumer[models.ReportEnvelope](cfg.Reports),
		store:    store,
		logger:   logger,
	}
	logger.Info("service starting", lg.String("reportsTopic", cfg.Reports.Topic))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.consume(gctx) })
	err = g.Wait()

	if cerr := service.consumer.Close(); cerr != nil {
		logger.Warn("consumer close failed", lg.Err(cerr))
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := store.Close(closeCtx); cerr != nil {
		logger.Warn("store close failed", lg.Err(cerr))
	}

	if err != nil {
		logger.Error("service failed", lg.Err(err))
		os.Exit(1)
	}
	logger.Info("service stopped")
}
