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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/ragrelay/ragrelay"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("category", "server")
var Version = "dev-build"

func main() {
	var configFile string

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	flag.StringVar(&configFile, "config", "", "optional environment config file")
	flag.Parse()

	log.Infof("ragrelay %s", Version)

	if configFile != "" {
		checkErr(godotenv.Load(configFile), "while loading config file")
	}

	if level := os.Getenv("RAGRELAY_LOG_LEVEL"); level != "" {
		parsed, err := logrus.ParseLevel(level)
		checkErr(err, "while parsing RAGRELAY_LOG_LEVEL")
		logrus.SetLevel(parsed)
	}

	conf, err := ragrelay.ConfFromEnv()
	checkErr(err, "while getting config")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	daemon, err := ragrelay.SpawnDaemon(ctx, conf)
	checkErr(err, "while spawning daemon")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	for sig := range c {
		log.Infof("caught signal '%s'; shutting down", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second*30)
		if err := daemon.Close(shutdownCtx); err != nil {
			log.WithError(err).Error("during shutdown")
		}
		shutdownCancel()
		os.Exit(0)
	}
}

func checkErr(err error, msg string) {
	if err != nil {
		log.WithError(err).Error(msg)
		os.Exit(1)
	}
}
