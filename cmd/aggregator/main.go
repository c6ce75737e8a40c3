// Command aggregator is the Lambda entrypoint for the change-stream
// aggregator: one invocation per DynamoDB Streams batch, dispatched to
// pkg/aggregator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/tokenshard/limiter/internal/alertnotify"
	"github.com/tokenshard/limiter/internal/auditlog"
	"github.com/tokenshard/limiter/internal/config"
	"github.com/tokenshard/limiter/internal/dynamostore"
	"github.com/tokenshard/limiter/internal/telemetry"
	"github.com/tokenshard/limiter/pkg/aggregator"
	"github.com/tokenshard/limiter/pkg/repository"
)

var (
	agg    *aggregator.Aggregator
	writer *auditlog.Writer
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Error("loading aws config", "error", err)
		os.Exit(1)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	})
	store := dynamostore.New(client, cfg.TableName)
	repo := repository.New(store)

	writer = auditlog.NewWriter(auditlog.NewMemory(1024), logger)
	writer.Start(ctx)

	var notifier alertnotify.Notifier = alertnotify.Noop{}
	if slack := alertnotify.NewSlack(cfg.SlackBotToken, cfg.SlackAlertChannel, logger); slack.IsEnabled() {
		notifier = slack
	}

	usageWindow := aggregator.WindowHourly
	if cfg.UsageWindow == string(aggregator.WindowDaily) {
		usageWindow = aggregator.WindowDaily
	}

	agg = aggregator.New(repo, writer, notifier, logger, aggregator.Config{
		WCUProactiveThreshold: cfg.WCUProactiveThreshold,
		ShardWarningThreshold: cfg.ShardWarningThreshold,
		WCUStreakThreshold:    cfg.WCUStreakThreshold,
		UsageWindow:           usageWindow,
	})

	lambda.Start(handle)
}

// handle is the per-invocation Lambda handler. The audit writer buffers
// across invocations within a warm container and is flushed on every
// invocation's ticker tick or batch completion, not on handler return — a
// frozen container between invocations simply pauses that ticker goroutine
// along with everything else, which is the same behavior any background
// goroutine gets under the Lambda execution model.
func handle(ctx context.Context, event aggregator.StreamEvent) error {
	records := aggregator.ToChangeRecords(event)
	result := agg.ProcessBatch(ctx, records, time.Now().UnixMilli())

	if len(result.Errors) > 0 {
		slog.Error("aggregator batch completed with errors",
			"refills_written", result.RefillsWritten,
			"shards_doubled", result.ShardsDoubled,
			"shards_propagated", result.ShardsPropagated,
			"usage_snapshots", result.UsageSnapshots,
			"alerts_raised", result.AlertsRaised,
			"error_count", len(result.Errors),
		)
		return result.Errors[0]
	}
	return nil
}
