// Copyright 2021-2022 The natsdash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alwitt/natsdash/cmd"
	"github.com/alwitt/natsdash/common"
	"github.com/alwitt/natsdash/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

// envPrefix prefix of the environment variables overriding config file entries,
// e.g. NATSDASH_NATS_SERVER_URI
const envPrefix = "NATSDASH"

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
}

var cmdArgs cliArgs

var logTags log.Fields

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	logTags = log.Fields{"module": "main", "instance": hostname}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Name:    "natsdash",
		Version: "v0.1.0",
		Usage:   "Widget data feed for NATS backed dashboards",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Aliases:     []string{"j"},
				Usage:       "Log in JSON format",
				EnvVars:     []string{envPrefix + "_JSON_LOG"},
				Destination: &cmdArgs.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "Logging level: [debug info warn error]",
				EnvVars:     []string{envPrefix + "_LOG_LEVEL"},
				Value:       "warn",
				Destination: &cmdArgs.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Aliases:     []string{"c"},
				Usage:       "Config file. Built-in defaults and environment overrides if not given.",
				EnvVars:     []string{envPrefix + "_CONFIG_FILE"},
				Destination: &cmdArgs.ConfigFile,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the widget feed REST and websocket APIs",
				Action: func(_ *cli.Context) error { return serve(hostname) },
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// loadConfig apply the logging flags, then assemble the system config from defaults, the
// config file and the environment
func loadConfig() (*common.SystemConfig, error) {
	validate := validator.New()
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	level, err := log.ParseLevel(cmdArgs.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if cmdArgs.ConfigFile != "" {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}

	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to parse config")
		return nil, err
	}
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return nil, err
	}
	log.WithFields(logTags).Debugf("Running with %+v", config)
	return &config, nil
}

// connectNATS define the NATS client. Losing the connection for good cancels the server.
func connectNATS(config common.NATSConfig, stop context.CancelFunc) (*core.NatsClient, error) {
	client, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		PendingMsgLimit:     config.Subscription.PendingMsgLimit,
		PendingBytesLimit:   config.Subscription.PendingBytesLimit,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.ServerURI,
		)
		return nil, err
	}
	client.RegisterEventHandler(func(evt core.ConnectionEvent, _ error) {
		if evt == core.Closed {
			log.WithFields(logTags).Error("NATS connection closed, stopping")
			stop()
		}
	})
	return client, nil
}

// serve run the feed server until SIGINT / SIGTERM or the NATS connection closes
func serve(hostname string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	runtimeCtxt, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsClient, err := connectNATS(config.NATS, stop)
	if err != nil {
		return err
	}
	defer func() {
		closeCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		natsClient.Close(closeCtxt)
	}()

	wg := sync.WaitGroup{}
	defer wg.Wait()
	return cmd.RunFeedServer(runtimeCtxt, config, hostname, natsClient, &wg)
}
