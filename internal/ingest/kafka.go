package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"proctorhub/internal/config"
	"proctorhub/internal/pipeline"
	"proctorhub/pkg/types"
)

// StartKafka consumes detection reports from a kafka topic and feeds
// them into the pipeline. Detector fleets that cannot reach the HTTP
// endpoint directly publish the same DetectionReport JSON here. No-op
// when kafka ingest is disabled.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, p *pipeline.Pipeline, logger *slog.Logger) {
	if !cfg.Enabled {
		logger.Info("kafka ingest disabled")
		return
	}
	logger.Info("kafka ingest enabled",
		"brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})

	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka read error", "error", err)
				continue
			}

			var report types.DetectionReport
			if err := json.Unmarshal(m.Value, &report); err != nil {
				logger.Warn("malformed detection report on kafka", "error", err)
				continue
			}
			if _, err := p.Process(ctx, &report); err != nil {
				logger.Warn("kafka report rejected",
					"user_id", report.UserID, "exam_id", report.ExamID, "error", err)
			}
		}
	}()
}
