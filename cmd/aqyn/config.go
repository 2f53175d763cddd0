package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/aqyn/pkg/redisstream"
)

// OpenAISettings configures the OpenAI-compatible generation backend.
type OpenAISettings struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
}

type Config struct {
	Addr            string `yaml:"addr"`
	DB              string `yaml:"db"`
	DefaultLanguage string `yaml:"default_language"`
	SystemPrompt    string `yaml:"system_prompt"`
	LogLevel        string `yaml:"log_level"`

	OpenAI OpenAISettings       `yaml:"openai"`
	Redis  redisstream.Settings `yaml:"redis"`
}

const defaultSystemPrompt = "Ты — Абай Кунанбаев, великий казахский поэт, композитор и просветитель. " +
	"Отвечай от первого лица, мудро, тепло и кратко, опираясь на свои стихи и «Слова назидания». " +
	"Если вопрос задан на казахском языке, отвечай на казахском."

func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		DB:              "aqyn.db",
		DefaultLanguage: "ru",
		SystemPrompt:    defaultSystemPrompt,
		LogLevel:        "info",
		OpenAI: OpenAISettings{
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
		},
		Redis: redisstream.DefaultSettings(),
	}
}

// LoadConfig layers an optional YAML file over the defaults. The OpenAI key
// can also come from the OPENAI_API_KEY environment variable, which wins
// over the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAI.APIKey = key
	}
	return cfg, nil
}
