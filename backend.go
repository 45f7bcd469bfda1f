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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// QueryParams are the fully resolved retrieval parameters sent to the
// backend. Defaults and clamping have already been applied by the caller.
type QueryParams struct {
	Question           string `json:"question"`
	TopK               int    `json:"top_k"`
	EnableRerank       bool   `json:"enable_rerank"`
	EnableLLMRerank    bool   `json:"enable_llm_rerank"`
	SentenceWindowSize int    `json:"sentence_window_size"`
}

// Source is one retrieved citation attached to an answer.
type Source struct {
	Score    *float64               `json:"score"`
	Text     string                 `json:"text"`
	Snippet  string                 `json:"snippet,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ChatResponse is the backend's answer to a query.
type ChatResponse struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// BackendConfig configures the client for the external RAG backend.
type BackendConfig struct {
	// Base URL of the backend, e.g. http://localhost:8000
	BaseURL string

	// Timeout for non-streaming calls. Streaming calls are bounded only by
	// the caller's context so long generations aren't cut off.
	Timeout time.Duration

	Logger logrus.FieldLogger
}

// BackendClient talks to the external RAG backend which owns ingestion,
// retrieval and generation. This process never implements those concerns;
// it only relays them.
type BackendClient struct {
	conf   BackendConfig
	client *http.Client
	log    logrus.FieldLogger
}

func NewBackendClient(conf BackendConfig) *BackendClient {
	setter.SetDefault(&conf.BaseURL, "http://localhost:8000")
	setter.SetDefault(&conf.Timeout, 30*time.Second)
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "backend"))

	return &BackendClient{
		conf:   conf,
		client: &http.Client{Timeout: conf.Timeout},
		log:    conf.Logger,
	}
}

// Query asks the backend for a complete answer with sources.
func (c *BackendClient) Query(ctx context.Context, params QueryParams) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.post(ctx, "/chat", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryStream starts a streaming query and returns the backend's SSE body.
// The caller owns the returned ReadCloser; cancelling ctx aborts the
// stream.
func (c *BackendClient) QueryStream(ctx context.Context, params QueryParams) (io.ReadCloser, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "while marshalling stream request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conf.BaseURL+"/chat_stream", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "while creating stream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// Use the default transport, not c.client; the client timeout would
	// kill slow generations mid-stream.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "while connecting to backend stream")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("backend stream returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Ingest asks the backend to index the given files, returning the number of
// documents ingested.
func (c *BackendClient) Ingest(ctx context.Context, paths []string) (int, error) {
	req := struct {
		FilePaths []string `json:"file_paths"`
	}{FilePaths: paths}

	var resp struct {
		Ingested int `json:"ingested"`
	}
	if err := c.post(ctx, "/ingest", req, &resp); err != nil {
		return 0, err
	}
	return resp.Ingested, nil
}

// Health reports whether the backend is reachable and healthy.
func (c *BackendClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conf.BaseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "while creating health request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "while connecting to backend")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("backend health returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *BackendClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "while marshalling request for '%s'", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conf.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "while creating request for '%s'", path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "while calling backend '%s'", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a little of the body for the log; backends tend to explain
		// themselves in the first line.
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"path":   path,
		}).Error(fmt.Sprintf("backend error: %s", bytes.TrimSpace(b)))
		return errors.Errorf("backend '%s' returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "while decoding response from '%s'", path)
	}
	return nil
}
