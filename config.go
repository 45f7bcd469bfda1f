/*
Copyright 2024 The ragrelay Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ragrelay

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DaemonConfig is the full configuration for a ragrelay daemon.
type DaemonConfig struct {
	// Address the HTTP gateway listens on
	HTTPListenAddress string

	// Base URL of the external RAG backend, e.g. http://localhost:8000
	BackendURL string

	// Timeout applied to non-streaming backend calls
	BackendTimeout time.Duration

	// Directory uploaded files are persisted to before ingestion
	UploadDir string

	// Max size of a single upload request body in bytes
	MaxUploadBytes int64

	// File extensions accepted by the upload endpoint
	AllowedUploadExts []string

	// Max number of live entries in the query response cache
	CacheSize int

	// TTL applied to cached query responses
	CacheTTL time.Duration

	// How often the cache sweeps expired entries
	CacheSweepInterval time.Duration

	// Quota and window for the chat endpoints, per caller address
	ChatRateLimit  int
	ChatRateWindow time.Duration

	// Quota and window for the upload endpoint, per caller address
	UploadRateLimit  int
	UploadRateWindow time.Duration

	// Max accepted question length in bytes
	MaxQuestionLen int

	// Retrieval defaults applied when a request omits them
	DefaultTopK            int
	DefaultSentenceWindow  int
	DefaultEnableRerank    bool
	DefaultEnableLLMRerank bool

	// Origins allowed by the CORS middleware
	CORSOrigins []string

	Logger logrus.FieldLogger
}

// SetDefaults fills in any unset fields.
func (d *DaemonConfig) SetDefaults() {
	setter.SetDefault(&d.HTTPListenAddress, "0.0.0.0:8080")
	setter.SetDefault(&d.BackendURL, "http://localhost:8000")
	setter.SetDefault(&d.BackendTimeout, 30*clock.Second)
	setter.SetDefault(&d.UploadDir, "storage/uploads")
	setter.SetDefault(&d.MaxUploadBytes, int64(32<<20))
	setter.SetDefault(&d.AllowedUploadExts, []string{".pdf", ".docx", ".html", ".htm", ".txt", ".md"})
	setter.SetDefault(&d.CacheSize, 1_000)
	setter.SetDefault(&d.CacheTTL, 5*clock.Minute)
	setter.SetDefault(&d.CacheSweepInterval, clock.Minute)
	setter.SetDefault(&d.ChatRateLimit, 30)
	setter.SetDefault(&d.ChatRateWindow, clock.Minute)
	setter.SetDefault(&d.UploadRateLimit, 10)
	setter.SetDefault(&d.UploadRateWindow, clock.Minute)
	setter.SetDefault(&d.MaxQuestionLen, 4_000)
	setter.SetDefault(&d.DefaultTopK, 5)
	setter.SetDefault(&d.DefaultSentenceWindow, DefaultSentenceWindowSize)
	setter.SetDefault(&d.CORSOrigins, []string{"http://localhost:3000", "http://localhost:3001"})
	setter.SetDefault(&d.Logger, logrus.WithField("category", "ragrelay"))
}

// ConfFromEnv reads the daemon config from the environment. An optional
// `.env.local` file is loaded first; variables already set in the
// environment win over file values.
func ConfFromEnv() (DaemonConfig, error) {
	var conf DaemonConfig
	log := logrus.WithField("category", "config")

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return conf, errors.Wrap(err, "while loading .env.local")
		}
	}

	setter.SetDefault(&conf.HTTPListenAddress, os.Getenv("RAGRELAY_HTTP_ADDRESS"))
	setter.SetDefault(&conf.BackendURL, os.Getenv("RAGRELAY_BACKEND_URL"))
	setter.SetDefault(&conf.BackendTimeout, getEnvDuration(log, "RAGRELAY_BACKEND_TIMEOUT"))
	setter.SetDefault(&conf.UploadDir, os.Getenv("RAGRELAY_UPLOAD_DIR"))
	setter.SetDefault(&conf.MaxUploadBytes, int64(getEnvInteger(log, "RAGRELAY_MAX_UPLOAD_BYTES")))
	setter.SetDefault(&conf.AllowedUploadExts, getEnvSlice("RAGRELAY_UPLOAD_EXTS"))
	setter.SetDefault(&conf.CacheSize, getEnvInteger(log, "RAGRELAY_CACHE_SIZE"))
	setter.SetDefault(&conf.CacheTTL, getEnvDuration(log, "RAGRELAY_CACHE_TTL"))
	setter.SetDefault(&conf.CacheSweepInterval, getEnvDuration(log, "RAGRELAY_CACHE_SWEEP_INTERVAL"))
	setter.SetDefault(&conf.ChatRateLimit, getEnvInteger(log, "RAGRELAY_CHAT_RATE_LIMIT"))
	setter.SetDefault(&conf.ChatRateWindow, getEnvDuration(log, "RAGRELAY_CHAT_RATE_WINDOW"))
	setter.SetDefault(&conf.UploadRateLimit, getEnvInteger(log, "RAGRELAY_UPLOAD_RATE_LIMIT"))
	setter.SetDefault(&conf.UploadRateWindow, getEnvDuration(log, "RAGRELAY_UPLOAD_RATE_WINDOW"))
	setter.SetDefault(&conf.MaxQuestionLen, getEnvInteger(log, "RAGRELAY_MAX_QUESTION_LEN"))
	setter.SetDefault(&conf.DefaultTopK, getEnvInteger(log, "SIMILARITY_TOP_K"))
	setter.SetDefault(&conf.DefaultSentenceWindow, getEnvInteger(log, "SENTENCE_WINDOW_SIZE"))
	conf.DefaultEnableRerank = getEnvBool(log, "ENABLE_RERANK")
	conf.DefaultEnableLLMRerank = getEnvBool(log, "ENABLE_LLM_RERANK")
	setter.SetDefault(&conf.CORSOrigins, getEnvSlice("CORS_ORIGINS"))

	conf.SetDefaults()
	return conf, nil
}

func getEnvInteger(log logrus.FieldLogger, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as an integer", name)
		return 0
	}
	return int(i)
}

func getEnvDuration(log logrus.FieldLogger, name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a duration", name)
		return 0
	}
	return d
}

func getEnvBool(log logrus.FieldLogger, name string) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a boolean", name)
		return false
	}
	return b
}

func getEnvSlice(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
