// Copyright (C) 2025 rings-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rings-x-project/rings-node/config"
	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/health"
	"github.com/rings-x-project/rings-node/internal/logger"
	"github.com/rings-x-project/rings-node/internal/metrics"
	"github.com/rings-x-project/rings-node/session"
	"github.com/rings-x-project/rings-node/storage/memory"
	"github.com/rings-x-project/rings-node/swarm"
	"github.com/rings-x-project/rings-node/transport/wsconn"
)

const version = "0.1.0"

func main() {
	root := &cobra.Command{Use: "rings-node"}
	root.AddCommand(runCmd())
	root.AddCommand(keygenCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the node version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a fresh account keypair and print its private key and did",
		Run: func(cmd *cobra.Command, args []string) {
			kp, err := did.GenerateKeyPair()
			if err != nil {
				fmt.Fprintln(os.Stderr, "keygen:", err)
				os.Exit(1)
			}
			fmt.Printf("private_key: %s\n", hex.EncodeToString(kp.PrivateBytes()))
			fmt.Printf("did:         %s\n", kp.Did())
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var configPath, privateKeyHex, envFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run a node, joining the ring and serving inbound connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(configPath, privateKeyHex, envFile)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a node config file (YAML or JSON)")
	cmd.Flags().StringVar(&privateKeyHex, "private-key", "", "hex-encoded account private key (a fresh one is generated if omitted)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "load environment variables from a .env file before reading config (local development only)")
	return cmd
}

func runNode(configPath, privateKeyHex, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &config.Config{}
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg.Transport = &config.TransportConfig{}
		cfg.DHT = &config.DHTConfig{}
		cfg.Session = &config.SessionConfig{}
		cfg.Logging = &config.LoggingConfig{}
		cfg.Metrics = &config.MetricsConfig{}
		cfg.Health = &config.HealthConfig{}
		config.ApplyDefaults(cfg)
	}

	level := logger.InfoLevel
	if cfg.Logging != nil {
		switch cfg.Logging.Level {
		case "debug":
			level = logger.DebugLevel
		case "warn":
			level = logger.WarnLevel
		case "error":
			level = logger.ErrorLevel
		}
	}
	structuredLog := logger.NewLogger(os.Stdout, level)
	logger.SetDefaultLogger(structuredLog)
	var log logger.Logger = structuredLog

	var accountKey *did.KeyPair
	var err error
	if privateKeyHex != "" {
		raw, decodeErr := hex.DecodeString(privateKeyHex)
		if decodeErr != nil {
			return fmt.Errorf("decode private key: %w", decodeErr)
		}
		accountKey, err = did.KeyPairFromPrivate(raw)
	} else {
		accountKey, err = did.GenerateKeyPair()
	}
	if err != nil {
		return fmt.Errorf("load account key: %w", err)
	}
	log = log.WithDid(accountKey.Did())
	log.Info("node identity")

	sessionTTL := time.Duration(cfg.Session.SessionTTL) * time.Second
	sk, err := session.New(accountKey, sessionTTL)
	if err != nil {
		return fmt.Errorf("mint session key: %w", err)
	}

	selfCid := accountKey.Did().String()
	tr := wsconn.New(selfCid, cfg.Transport.SignalingURL)

	sw := swarm.New(swarm.Config{
		SessionSk:       sk,
		DHTSuccMax:      cfg.DHT.SuccMax,
		DHTStorage:      memory.New(0),
		Transport:       tr,
		MaxHops:         0,
		ReassemblyCap:   64,
		ReassemblyTTL:   30 * time.Second,
		NonceCacheTTL:   5 * time.Minute,
		DelegationSweep: time.Duration(cfg.Session.DelegationSweep) * time.Second,
		ExternalAddress: cfg.Transport.ExternalAddress,
	})
	if cfg.Transport.ExternalAddress != "" {
		sw.EnableStabilizer(time.Duration(cfg.DHT.StabilizeTimeout) * time.Second)
	}

	checker := health.NewHealthChecker(5 * time.Second)
	checker.RegisterCheck("ring", health.RingConnectivityCheck(sw.Ring().SuccessorList))
	checker.RegisterCheck("fingers", health.FingerTableCoverageCheck(sw.Ring().Fingers, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	if cfg.Metrics != nil && cfg.Metrics.Port != 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("metrics listening", logger.String("addr", addr))
			if err := metrics.StartServer(addr); err != nil {
				log.Error("metrics server stopped", logger.Error(err))
			}
		}()
	}

	if cfg.Health != nil && cfg.Health.Port != 0 {
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc(cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) {
				status := checker.GetOverallStatus(r.Context())
				if status != health.StatusHealthy {
					w.WriteHeader(http.StatusServiceUnavailable)
				}
				fmt.Fprintln(w, status)
			})
			addr := fmt.Sprintf(":%d", cfg.Health.Port)
			log.Info("health listening", logger.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("health server stopped", logger.Error(err))
			}
		}()
	}

	var listenAddr string
	if cfg.Transport.ExternalAddress != "" {
		listenAddr = addressToListenAddr(cfg.Transport.ExternalAddress)
	}
	if listenAddr != "" {
		go func() {
			log.Info("signaling listening", logger.String("addr", listenAddr))
			if err := http.ListenAndServe(listenAddr, sw.Handler()); err != nil {
				log.Error("signaling server stopped", logger.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	sw.Stop()
	return nil
}

// addressToListenAddr strips a scheme and host from an external address
// configured as a full URL, returning the bare ":port" form net/http
// expects to bind locally.
func addressToListenAddr(external string) string {
	for i := len(external) - 1; i >= 0; i-- {
		if external[i] == ':' {
			return external[i:]
		}
	}
	return ""
}
