// Package main runs the capture worker: it hosts the workflows and
// activities that process dispatched capture events.
package main

import (
	"context"
	"log"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/contributor-info/capture/internal/capture"
	"github.com/contributor-info/capture/internal/config"
	"github.com/contributor-info/capture/internal/embedding"
	"github.com/contributor-info/capture/internal/githubapi"
	"github.com/contributor-info/capture/internal/ledger"
	"github.com/contributor-info/capture/internal/metrics"
	"github.com/contributor-info/capture/internal/models"
	"github.com/contributor-info/capture/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration: %v", err)
	}

	logger, closeLogger := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() {
		if err := closeLogger(); err != nil {
			log.Printf("Warning: failed to close log file: %v", err)
		}
	}()

	ctx := context.Background()
	storeClient, err := store.NewClient(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		log.Fatalf("Failed to connect to record store: %v", err)
	}
	defer storeClient.Close()
	if err := storeClient.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	source := githubapi.NewClient(githubapi.ClientConfig{
		BaseURL: cfg.GitHubBaseURL,
		Token:   cfg.GitHubToken,
	}, logger)

	embedder, err := embedding.New(embedding.Config{
		Provider:     embedding.ProviderOpenAI,
		Model:        cfg.EmbeddingModel,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize embedder: %v", err)
	}

	log.Printf("Starting capture worker: address=%s namespace=%s queue=%s",
		cfg.TemporalAddress, cfg.TemporalNamespace, cfg.TaskQueue)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		log.Fatalf("Failed to create dispatcher client: %v", err)
	}
	defer c.Close()

	w := worker.New(c, cfg.TaskQueue, worker.Options{})

	// Workflows are registered under the event names the drain loop and the
	// dispatch commands emit.
	w.RegisterWorkflowWithOptions(capture.CaptureBatchWorkflow,
		workflow.RegisterOptions{Name: models.EventCaptureBatch})
	w.RegisterWorkflowWithOptions(capture.RepositorySyncWorkflow,
		workflow.RegisterOptions{Name: models.EventRepositorySync})
	w.RegisterWorkflowWithOptions(capture.EmbeddingsComputeWorkflow,
		workflow.RegisterOptions{Name: models.EventEmbeddingsCompute})

	jobLedger := ledger.New(storeClient, logger)
	acts := capture.NewActivities(storeClient, source, embedder, jobLedger, metrics.NewCollector(), logger)
	w.RegisterActivity(acts.ProcessCaptureBatch)
	w.RegisterActivity(acts.SyncRepository)
	w.RegisterActivity(acts.ComputeEmbeddings)
	w.RegisterActivity(acts.FailJob)

	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
}
