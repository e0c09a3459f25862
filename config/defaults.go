package config

import "time"

// DefaultConfig returns the built-in defaults: a Groq-hosted primary with a
// local Ollama fallback, and the retrieval/agent knobs the pipeline was tuned
// with.
func DefaultConfig() *Config {
	return &Config{
		Providers: []ProviderConfig{
			{
				Name:    "groq",
				Type:    "openai_compat",
				BaseURL: "https://api.groq.com/openai",
				Model:   "llama-3.3-70b-versatile",
				Timeout: 60 * time.Second,
			},
			{
				Name:    "ollama",
				Type:    "ollama",
				BaseURL: "http://localhost:11434",
				Model:   "llama3.1",
				Timeout: 120 * time.Second,
			},
		},
		Dispatcher: DispatcherConfig{
			CallTimeout: 30 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			MaxBackoff:  60 * time.Second,
		},
		Retrieval: RetrievalConfig{
			VectorTopK: 20,
			GraphHops:  2,
			RRFK:       60,
			FinalTopN:  10,
		},
		Agent: AgentConfig{
			MaxRetries:      2,
			EvalThreshold:   0.7,
			MaxSubQuestions: 4,
		},
		Embeddings: EmbeddingsConfig{
			BaseURL:      "http://localhost:11434",
			Model:        "nomic-embed-text",
			Dimensions:   768,
			MaxBatchSize: 32,
			CacheSize:    1024,
		},
		Cache: CacheConfig{
			Enabled:   true,
			TTL:       time.Hour,
			LocalSize: 512,
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    "graphmind_audit.db",
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "graphmind",
			SampleRate:   1.0,
		},
	}
}
