package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/qinjingliuan/berryllm-studio/internal/ai"
)

type Config struct {
	HTTPAddr    string
	DBDSN       string
	JWTSecret   string
	CORSOrigins []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// rabbitMQ
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int

	ProvidersFile string
	Providers     []ai.Descriptor

	Generation   Generation
	ProbeTimeout time.Duration
}

// Generation holds the defaults applied to every provider request.
type Generation struct {
	MaxTokens          int
	Temperature        float64
	TopP               float64
	MaxHistoryMessages int
	Stream             bool
	SystemPrompt       string
}

func (g Generation) Params() ai.Params {
	maxTokens, temperature, topP := g.MaxTokens, g.Temperature, g.TopP
	return ai.Params{
		Temperature:  &temperature,
		MaxTokens:    &maxTokens,
		TopP:         &topP,
		SystemPrompt: g.SystemPrompt,
		Stream:       g.Stream,
	}
}

// providerFile is the on-disk provider table:
//
//	[providers.openai]
//	name = "OpenAI"
//	api_url = "https://api.openai.com/v1/chat/completions"
//	api_key = ""
//	dialect = "openai"
//	[[providers.openai.models]]
//	id = "gpt-4"
type providerFile struct {
	Providers map[string]providerEntry `toml:"providers"`
}

type providerEntry struct {
	Name    string            `toml:"name"`
	APIURL  string            `toml:"api_url"`
	APIKey  string            `toml:"api_key"`
	Dialect string            `toml:"dialect"`
	Headers map[string]string `toml:"headers"`
	Models  []ai.Model        `toml:"models"`
}

// Load reads the configuration from the environment and the provider file.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:      envString("HTTP_ADDR", ":8080"),
		DBDSN:         envString("DB_DSN", "file:Data/berryllm.db?_pragma=busy_timeout(5000)"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		CORSOrigins:   envList("CORS_ORIGINS"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       envString("RABBIT_QUEUE", "chat_jobs"),
		WorkerConcurrency: clamp(envInt("WORKER_CONCURRENCY", 2), 1, 50),

		ProvidersFile: envString("PROVIDERS_FILE", "Data/Files/model.toml"),

		Generation: Generation{
			MaxTokens:          envInt("LLM_MAX_TOKENS", ai.DefaultMaxTokens),
			Temperature:        envFloat("LLM_TEMPERATURE", ai.DefaultTemperature),
			TopP:               envFloat("LLM_TOP_P", ai.DefaultTopP),
			MaxHistoryMessages: envInt("LLM_MAX_HISTORY_MESSAGES", 10),
			Stream:             envBool("LLM_ENABLE_STREAMING", true),
			SystemPrompt:       os.Getenv("LLM_SYSTEM_PROMPT"),
		},
		ProbeTimeout: envDuration("LLM_PROBE_TIMEOUT", 10*time.Second),
	}

	if cfg.Generation.MaxHistoryMessages <= 0 {
		return Config{}, fmt.Errorf("LLM_MAX_HISTORY_MESSAGES must be positive, got %d", cfg.Generation.MaxHistoryMessages)
	}
	if t := cfg.Generation.Temperature; t < 0 || t > 2 {
		return Config{}, fmt.Errorf("LLM_TEMPERATURE must be within [0, 2], got %v", t)
	}

	providers, err := LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Providers = applyProviderEnv(providers)
	return cfg, nil
}

// LoadProviders reads the provider table at path. A missing file yields the
// built-in defaults.
func LoadProviders(path string) ([]ai.Descriptor, error) {
	var file providerFile
	_, err := toml.DecodeFile(path, &file)
	if errors.Is(err, fs.ErrNotExist) {
		return ai.DefaultDescriptors(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load providers %s: %w", path, err)
	}
	if len(file.Providers) == 0 {
		return ai.DefaultDescriptors(), nil
	}

	ids := make([]string, 0, len(file.Providers))
	for id := range file.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ai.Descriptor, 0, len(ids))
	for _, id := range ids {
		p := file.Providers[id]
		dialect := p.Dialect
		if dialect == "" {
			dialect = id
		}
		name := p.Name
		if name == "" {
			name = id
		}
		out = append(out, ai.Descriptor{
			ID:      id,
			Name:    name,
			APIURL:  p.APIURL,
			APIKey:  p.APIKey,
			Dialect: ai.ParseDialect(dialect),
			Headers: p.Headers,
			Models:  p.Models,
		})
	}
	return out, nil
}

// applyProviderEnv lets <ID>_API_KEY and <ID>_API_URL override file values,
// e.g. OPENAI_API_KEY. OLLAMA_BASE_URL is honoured for the ollama provider.
func applyProviderEnv(descs []ai.Descriptor) []ai.Descriptor {
	for i := range descs {
		prefix := envPrefix(descs[i].ID)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			descs[i].APIKey = v
		}
		if v := os.Getenv(prefix + "_API_URL"); v != "" {
			descs[i].APIURL = v
		}
		if descs[i].Dialect == ai.DialectOllama {
			if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
				descs[i].APIURL = strings.TrimRight(v, "/") + "/api/chat"
			}
		}
		if descs[i].ID == "openrouter" {
			if descs[i].Headers == nil {
				descs[i].Headers = map[string]string{}
			}
			if v := os.Getenv("OPENROUTER_SITE_URL"); v != "" {
				descs[i].Headers["HTTP-Referer"] = v
			}
			if v := os.Getenv("OPENROUTER_APP_NAME"); v != "" {
				descs[i].Headers["X-Title"] = v
			}
		}
	}
	return descs
}

func envPrefix(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
