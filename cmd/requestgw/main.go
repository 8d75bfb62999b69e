// requestgw accepts execution requests over HTTP, attaches an execution
// UID and an advisory safety verdict, and queues the request in Kafka.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nce-project/nce/pkg/config"
	"github.com/nce-project/nce/pkg/kafkautil"
	"github.com/nce-project/nce/pkg/lg"
	"github.com/nce-project/nce/pkg/models"
	"github.com/nce-project/nce/pkg/profile"
	"github.com/nce-project/nce/pkg/safety"
	"github.com/nce-project/nce/pkg/serverutil"
)

const (
	serviceName    = "nce-requestgw"
	executePath    = "/execute"
	publishTimeout = 10 * time.Second
)

type gatewayHandler struct {
	producer *kafkautil.Producer[models.ExecRequest]
	registry *profile.Registry
	logger   lg.Logger
}

func (h *gatewayHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	request, ok := serverutil.RequestFromContext[models.ExecRequest](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}

	request.ExecutionUID = uuid.New()
	logger := h.logger.With(
		lg.String("executionUid", request.ExecutionUID.String()),
		lg.String("device", request.DeviceAddress))

	verdict := safety.Validate(request.Commands, h.registry.Resolve(request.EquipmentType))
	if !verdict.IsSafe {
		logger.Warn("dangerous commands in request",
			lg.Int("dangerousCount", verdict.DangerousCount))
	}

	ctx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()
	if err := h.producer.Write(ctx, request.ExecutionUID.String(), request); err != nil {
		logger.Error("failed to queue request", lg.Err(err))
		http.Error(rw, "Failed to process request", http.StatusInternalServerError)
		return
	}
	logger.Info("request queued", lg.Int("commands", len(request.Commands)))

	response := models.ExecResponse{
		ExecutionUID: request.ExecutionUID,
		Warnings:     verdict.Warnings,
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(rw).Encode(response); err != nil {
		logger.Error("failed to encode response", lg.Err(err))
	}
}

func main() {
	configPath := flag.String("config", "configs/requestgw.yaml", "path to config file")
	flag.Parse()

	var cfg config.GatewayConfig
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

	producer := kafkautil.NewProducer[models.ExecRequest](cfg.Requests)
	defer producer.Close()

	handler := &gatewayHandler{
		producer: producer,
		registry: profile.NewRegistry(logger),
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.Handle(executePath, serverutil.NewValidationHandler[models.ExecRequest](handler))

	serverCfg := serverutil.DefaultServerConfig()
	serverCfg.Port = cfg.Port
	if err := serverutil.RunServer(mux, serverCfg, logger); err != nil {
		logger.Error("server failed", lg.Err(err))
		os.Exit(1)
	}
}
