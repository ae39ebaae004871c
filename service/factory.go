package service

import (
	"context"
	"fmt"

	"evermem.org/config"
	"evermem.org/index"
	"evermem.org/pipeline"
	"evermem.org/queue"
	redisqueue "evermem.org/queue/redis"
	"evermem.org/steps"
	"evermem.org/storage"
)

// Runtime bundles everything a running service instance owns: the façade,
// the orchestrator, and the backends that need closing on shutdown.
type Runtime struct {
	Service      *MemoryService
	Orchestrator *pipeline.Orchestrator

	artifacts storage.ArtifactStore
	states    pipeline.StateStore
	queue     queue.Queue
	retrieval index.RetrievalIndex
}

// Close releases backend connections in reverse construction order.
func (r *Runtime) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(r.queue.Close())
	keep(r.states.Close())
	keep(r.retrieval.Close())
	return first
}

// NewRuntime builds the service from configuration: one backend per
// concern, the step registry, the façade, and the orchestrator.
func NewRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	artifacts, err := buildArtifactStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	q, err := buildQueue(ctx, cfg.Queue)
	if err != nil {
		return nil, err
	}
	states, err := buildStateStore(ctx, cfg.State, artifacts)
	if err != nil {
		return nil, err
	}
	retrieval, err := buildIndex(ctx, cfg.Index)
	if err != nil {
		return nil, err
	}
	embedder := buildEmbedder(cfg.Embedding)

	var answerer Answerer
	if cfg.Answer.Backend == "openai" {
		answerer = NewOpenAIAnswerer(OpenAIAnswererConfig{
			APIKey:  cfg.Answer.APIKey,
			BaseURL: cfg.Answer.BaseURL,
			Model:   cfg.Answer.Model,
		})
	}

	registry := pipeline.NewRegistry()
	partition := steps.PartitionConfig{
		MaxChars:     cfg.Pipeline.PartitionMaxChars,
		OverlapChars: cfg.Pipeline.PartitionOverlap,
	}
	for _, handler := range []pipeline.Handler{
		steps.NewExtractTextHandler(artifacts),
		steps.NewPartitionTextHandler(artifacts, partition),
		steps.NewGenerateEmbeddingsHandler(artifacts, embedder),
		steps.NewSaveRecordsHandler(artifacts, retrieval),
	} {
		if err := registry.Register(handler); err != nil {
			return nil, err
		}
	}

	svc := NewMemoryService(artifacts, states, q, retrieval, registry, embedder, answerer, Options{
		DefaultIndex:   cfg.Pipeline.DefaultIndex,
		MaxUploadBytes: cfg.Pipeline.MaxUploadBytes,
	})
	orchestrator := pipeline.NewOrchestrator(q, states, registry, pipeline.OrchestratorConfig{
		Workers:        cfg.Pipeline.Workers,
		HandlerTimeout: cfg.Pipeline.HandlerTimeout,
	})

	return &Runtime{
		Service:      svc,
		Orchestrator: orchestrator,
		artifacts:    artifacts,
		states:       states,
		queue:        q,
		retrieval:    retrieval,
	}, nil
}

func buildArtifactStore(ctx context.Context, cfg config.StorageConfig) (storage.ArtifactStore, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "filesystem":
		return storage.NewFilesystemStore(cfg.Path)
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func buildQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, error) {
	switch cfg.Backend {
	case "memory":
		return queue.NewMemoryQueue(queue.MemoryQueueConfig{
			MaxAttempts:       cfg.MaxAttempts,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}), nil
	case "disk":
		return queue.NewDiskQueue(queue.DiskQueueConfig{
			Root:              cfg.Path,
			MaxAttempts:       cfg.MaxAttempts,
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
	case "rabbitmq":
		return queue.NewRabbitQueue(queue.RabbitConfig{
			URL:         cfg.URL,
			QueueName:   cfg.Name,
			MaxAttempts: cfg.MaxAttempts,
		})
	case "redis":
		return redisqueue.NewQueue(ctx, redisqueue.Config{
			URL:               cfg.URL,
			MaxAttempts:       cfg.MaxAttempts,
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func buildStateStore(ctx context.Context, cfg config.StateConfig, artifacts storage.ArtifactStore) (pipeline.StateStore, error) {
	switch cfg.Backend {
	case "artifact":
		return pipeline.NewArtifactStateStore(artifacts), nil
	case "bolt":
		return pipeline.NewBoltStateStore(cfg.Path)
	case "couchdb":
		return pipeline.NewCouchStateStore(ctx, cfg.URL, cfg.Database)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

func buildIndex(ctx context.Context, cfg config.IndexConfig) (index.RetrievalIndex, error) {
	switch cfg.Backend {
	case "memory":
		return index.NewMemoryIndex(), nil
	case "redis":
		return index.NewRedisIndex(ctx, index.RedisIndexConfig{URL: cfg.URL})
	case "postgres":
		return index.NewPostgresIndex(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
}

func buildEmbedder(cfg config.EmbeddingConfig) steps.Embedder {
	if cfg.Backend == "openai" {
		return steps.NewOpenAIEmbedder(steps.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	}
	return steps.NewLocalEmbedder(cfg.Dimensions)
}
