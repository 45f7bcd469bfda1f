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
	"context"
	"net"
	"net/http"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Daemon owns the process-wide singletons (cache, limiter, backend client)
// and the HTTP server that exposes them.
type Daemon struct {
	Cache   *TTLCache
	Limiter *RateLimiter
	Backend *BackendClient

	conf         DaemonConfig
	log          logrus.FieldLogger
	listener     net.Listener
	httpSrv      *http.Server
	handler      *Handler
	promRegister *prometheus.Registry
	wg           syncutil.WaitGroup
}

// SpawnDaemon starts a new ragrelay daemon according to the provided
// DaemonConfig. This function will block until the daemon responds to
// connections on HTTPListenAddress.
func SpawnDaemon(ctx context.Context, conf DaemonConfig) (*Daemon, error) {
	conf.SetDefaults()
	s := Daemon{
		log:  conf.Logger,
		conf: conf,
	}
	setter.SetDefault(&s.log, logrus.WithField("category", "ragrelay"))

	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Daemon) Start(ctx context.Context) error {
	// The TTL cache we store query responses in
	s.Cache = NewTTLCache(TTLCacheConfig{
		MaxSize:       s.conf.CacheSize,
		DefaultTTL:    s.conf.CacheTTL,
		SweepInterval: s.conf.CacheSweepInterval,
	})
	if err := s.Cache.Start(); err != nil {
		return errors.Wrap(err, "while starting cache sweep")
	}

	s.Limiter = NewRateLimiter()
	s.Backend = NewBackendClient(BackendConfig{
		BaseURL: s.conf.BackendURL,
		Timeout: s.conf.BackendTimeout,
	})

	// cache and limiter also implement the prometheus.Collector interface
	s.promRegister = prometheus.NewRegistry()
	s.promRegister.MustRegister(collectors.NewGoCollector())
	s.promRegister.MustRegister(s.Cache)
	s.promRegister.MustRegister(s.Limiter)

	metrics := promhttp.HandlerFor(s.promRegister, promhttp.HandlerOpts{})
	s.handler = NewHandler(s.conf, s.Cache, s.Limiter, s.Backend, metrics)
	s.promRegister.MustRegister(s.handler.duration)

	listener, err := net.Listen("tcp", s.conf.HTTPListenAddress)
	if err != nil {
		return errors.Wrapf(err, "while listening on %s", s.conf.HTTPListenAddress)
	}
	s.listener = listener
	s.httpSrv = &http.Server{Addr: s.conf.HTTPListenAddress, Handler: s.handler}

	s.wg.Go(func() {
		s.log.Infof("HTTP Gateway Listening on %s ...", listener.Addr())
		if err := s.httpSrv.Serve(listener); err != nil {
			if err != http.ErrServerClosed {
				s.log.WithError(err).Error("while starting HTTP server")
			}
		}
	})

	// Ensure the server is handling requests before we return
	if err := retry(10, time.Millisecond*100, func() error {
		resp, err := http.Get("http://" + s.Address() + "/_ping")
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}); err != nil {
		return errors.Wrap(err, "while waiting for server to respond to _ping")
	}
	return nil
}

// Address returns the address the daemon is listening on.
func (s *Daemon) Address() string {
	return s.listener.Addr().String()
}

// Close gracefully stops the HTTP server and the cache sweep.
func (s *Daemon) Close(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.log.Infof("HTTP Gateway shutting down ...")
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "during HTTP server shutdown")
	}
	_ = s.Cache.Close()
	s.wg.Stop()
	s.httpSrv = nil
	return nil
}

func retry(attempts int, d time.Duration, callback func() error) (err error) {
	for i := 0; i < attempts; i++ {
		if err = callback(); err == nil {
			return nil
		}
		time.Sleep(d)
	}
	return err
}
