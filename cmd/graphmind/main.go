// GraphMind command line entry point.
//
// Usage:
//
//	graphmind ask "what is raft?"                      # answer a question
//	graphmind ask --config config.yaml "what is raft?" # with a config file
//	graphmind ask --corpus corpus.json "..."           # seed a local corpus
//	graphmind version                                  # show version
//
// The ask command wires the full pipeline: config, zap logging, telemetry,
// the provider dispatcher, an embedding-backed in-memory hybrid retriever and
// the orchestration engine with caching, cost tracking and audit.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/graphmind"
	"github.com/BaSui01/graphmind/agent"
	"github.com/BaSui01/graphmind/config"
	"github.com/BaSui01/graphmind/internal/audit"
	"github.com/BaSui01/graphmind/internal/cache"
	"github.com/BaSui01/graphmind/internal/cost"
	"github.com/BaSui01/graphmind/internal/metrics"
	"github.com/BaSui01/graphmind/internal/telemetry"
	"github.com/BaSui01/graphmind/llm"
	"github.com/BaSui01/graphmind/llm/circuitbreaker"
	"github.com/BaSui01/graphmind/llm/embedding"
	"github.com/BaSui01/graphmind/llm/providers/ollama"
	"github.com/BaSui01/graphmind/llm/providers/openaicompat"
	"github.com/BaSui01/graphmind/rag"
)

// Build-time injected.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ask":
		runAsk(os.Args[2:])
	case "version":
		fmt.Printf("GraphMind %s (%s)\n", Version, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runAsk(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	corpusPath := fs.String("corpus", "", "Path to a JSON corpus to seed the in-memory index")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: graphmind ask [options] <question>")
		os.Exit(1)
	}
	question := strings.Join(fs.Args(), " ")

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting graphmind",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelProviders.Shutdown(ctx)
		}()
	}

	collector := metrics.NewCollector("graphmind", logger)

	dispatcher := buildDispatcher(cfg, collector, logger)
	retriever, err := buildRetriever(cfg, *corpusPath, logger)
	if err != nil {
		logger.Fatal("failed to build retriever", zap.Error(err))
	}

	orchestrator := agent.NewOrchestrator(dispatcher, retriever, agent.Config{
		MaxRetries:      cfg.Agent.MaxRetries,
		EvalThreshold:   cfg.Agent.EvalThreshold,
		TopN:            cfg.Retrieval.FinalTopN,
		MaxSubQuestions: cfg.Agent.MaxSubQuestions,
	}, logger,
		agent.WithCollector(collector),
		agent.WithTracer(otelProviders.Tracer("graphmind/agent")),
	)

	engine := buildEngine(cfg, orchestrator, collector, logger)
	defer engine.Close()

	answer, err := engine.Answer(context.Background(), question)
	if err != nil {
		logger.Fatal("query failed", zap.Error(err))
	}

	printAnswer(answer)
	printDiagnostics(dispatcher, engine)
}

func buildDispatcher(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *llm.Dispatcher {
	var providers []llm.Provider
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai_compat":
			providers = append(providers, openaicompat.New(openaicompat.Config{
				ProviderName: pc.Name,
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.Model,
				Timeout:      pc.Timeout,
			}, logger))
		case "ollama":
			providers = append(providers, ollama.New(ollama.Config{
				ProviderName: pc.Name,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.Model,
				Timeout:      pc.Timeout,
			}, logger))
		}
	}

	dispatcherCfg := &llm.DispatcherConfig{
		CallTimeout: cfg.Dispatcher.CallTimeout,
		Breaker: &circuitbreaker.Config{
			MaxFailures: cfg.Breaker.MaxFailures,
			MaxBackoff:  cfg.Breaker.MaxBackoff,
		},
	}
	return llm.NewDispatcher(providers, dispatcherCfg, logger, llm.WithCollector(collector))
}

func buildRetriever(cfg *config.Config, corpusPath string, logger *zap.Logger) (*rag.HybridRetriever, error) {
	embedder, err := embedding.NewOllamaEmbedder(embedding.OllamaConfig{
		BaseURL:           cfg.Embeddings.BaseURL,
		Model:             cfg.Embeddings.Model,
		Dimensions:        cfg.Embeddings.Dimensions,
		MaxBatchSize:      cfg.Embeddings.MaxBatchSize,
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
		CacheSize:         cfg.Embeddings.CacheSize,
	}, logger)
	if err != nil {
		return nil, err
	}

	index := rag.NewInMemoryVectorIndex(logger)
	graph := rag.NewInMemoryGraph(logger)
	if corpusPath != "" {
		if err := seedCorpus(corpusPath, embedder, index, graph, logger); err != nil {
			return nil, err
		}
	}

	return rag.NewHybridRetriever(embedder, index, graph, rag.HybridConfig{
		VectorTopK: cfg.Retrieval.VectorTopK,
		GraphHops:  cfg.Retrieval.GraphHops,
		RRFK:       cfg.Retrieval.RRFK,
	}, logger), nil
}

func buildEngine(cfg *config.Config, orchestrator *agent.Orchestrator, collector *metrics.Collector, logger *zap.Logger) *graphmind.Engine {
	opts := []graphmind.EngineOption{
		graphmind.WithLogger(logger),
		graphmind.WithMetrics(collector),
		graphmind.WithCostTracker(cost.NewTracker(logger)),
		graphmind.WithTopN(cfg.Retrieval.FinalTopN),
	}

	if cfg.Cache.Enabled {
		store, err := openCacheStore(cfg.Cache, logger)
		if err != nil {
			logger.Warn("cache unavailable, continuing without it", zap.Error(err))
		} else {
			opts = append(opts, graphmind.WithCache(store, cfg.Cache.TTL))
		}
	}

	if cfg.Audit.Enabled {
		store, err := audit.NewStore(cfg.Audit.Path, logger)
		if err != nil {
			logger.Warn("audit store unavailable, continuing without it", zap.Error(err))
		} else {
			opts = append(opts, graphmind.WithAuditStore(store))
		}
	}

	return graphmind.NewEngine(orchestrator, opts...)
}

// openCacheStore prefers redis when configured and falls back to the
// in-process LRU.
func openCacheStore(cfg config.CacheConfig, logger *zap.Logger) (cache.Store, error) {
	if cfg.RedisAddr != "" {
		store, err := cache.NewRedisStore(cache.RedisConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			DefaultTTL: cfg.TTL,
		}, logger)
		if err == nil {
			return store, nil
		}
		logger.Warn("redis unreachable, falling back to local cache", zap.Error(err))
	}
	return cache.NewLocalStore(cfg.LocalSize, cfg.TTL)
}

// corpusFile is the JSON shape accepted by --corpus.
type corpusFile struct {
	Documents []struct {
		ID       string            `json:"id"`
		Text     string            `json:"text"`
		EntityID string            `json:"entity_id"`
		Metadata map[string]string `json:"metadata"`
	} `json:"documents"`
	Entities []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"entities"`
	Relations [][2]string `json:"relations"`
}

func seedCorpus(path string, embedder embedding.Embedder, index *rag.InMemoryVectorIndex, graph *rag.InMemoryGraph, logger *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}
	var corpus corpusFile
	if err := json.Unmarshal(data, &corpus); err != nil {
		return fmt.Errorf("parse corpus: %w", err)
	}

	texts := make([]string, len(corpus.Documents))
	for i, doc := range corpus.Documents {
		texts[i] = doc.Text
	}
	embeddings, err := embedder.EmbedDocuments(context.Background(), texts)
	if err != nil {
		return fmt.Errorf("embed corpus: %w", err)
	}

	for i, doc := range corpus.Documents {
		if err := index.Add(rag.Document{
			ID:        doc.ID,
			Text:      doc.Text,
			EntityID:  doc.EntityID,
			Metadata:  doc.Metadata,
			Embedding: embeddings[i],
		}); err != nil {
			return fmt.Errorf("index document %s: %w", doc.ID, err)
		}
	}
	for _, e := range corpus.Entities {
		graph.AddEntity(rag.Entity{ID: e.ID, Name: e.Name, Description: e.Description})
	}
	for _, rel := range corpus.Relations {
		graph.AddRelation(rel[0], rel[1])
	}

	logger.Info("corpus seeded",
		zap.Int("documents", len(corpus.Documents)),
		zap.Int("entities", len(corpus.Entities)),
		zap.Int("relations", len(corpus.Relations)),
	)
	return nil
}

func printAnswer(answer *graphmind.Answer) {
	fmt.Println(answer.Answer)
	fmt.Println()
	if len(answer.Citations) > 0 {
		fmt.Println("Citations:")
		for _, c := range answer.Citations {
			fmt.Printf("  - %s (%s, chunk %s)\n", c.DocumentID, c.Source, c.ChunkID)
		}
	}
	fmt.Printf("score=%.2f retries=%d provider=%s latency=%s cache_hit=%v\n",
		answer.EvalScore, answer.RetryCount, answer.ProviderUsed,
		answer.Latency.Round(time.Millisecond), answer.CacheHit)
}

func printDiagnostics(dispatcher *llm.Dispatcher, engine *graphmind.Engine) {
	fmt.Println("\nProvider circuits:")
	for name, phase := range dispatcher.CircuitStates() {
		fmt.Printf("  %s: %s\n", name, phase)
	}
	if costs := engine.Costs(); len(costs) > 0 {
		fmt.Println("Token usage:")
		for provider, totals := range costs {
			fmt.Printf("  %s: %d queries, %d tokens\n", provider, totals.Queries, totals.TotalTokens)
		}
	}
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func printUsage() {
	fmt.Println(`GraphMind - query orchestration engine

Usage:
  graphmind <command> [options]

Commands:
  ask       Answer a question through the full pipeline
  version   Show version information
  help      Show this help message

Options for 'ask':
  --config <path>   Path to configuration file (YAML)
  --corpus <path>   Path to a JSON corpus seeding the in-memory index

Examples:
  graphmind ask "what is the raft consensus algorithm?"
  graphmind ask --config /etc/graphmind/config.yaml --corpus docs.json "..."`)
}
