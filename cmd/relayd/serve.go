/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	relayd "github.com/relaynet/relayd"
	"github.com/relaynet/relayd/internal/config"
	"github.com/relaynet/relayd/internal/replication"
	"github.com/relaynet/relayd/internal/sasl"
	"github.com/relaynet/relayd/shared/logfmt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relayd server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	log := logger.WithField("component", "main")

	opts, err := serverOptions(cfg, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	opts = append(opts, relayd.WithObservability(relayd.NewPrometheusObservability(registry)))

	server := relayd.NewServer(cfg.Network.ServerName, opts...)

	wg := conc.NewWaitGroup()
	defer wg.Wait()

	if cfg.Metrics.Enabled {
		wg.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil {
				log.WithError(err).Warn("metrics listener exited")
			}
		})
	}

	wg.Go(func() {
		var serveErr error
		if cfg.Listen.TLSAddress != "" {
			serveErr = server.ListenAndServeTLS(cfg.Listen.CertFile, cfg.Listen.KeyFile)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil {
			log.Fatal(fmt.Errorf("server exited: %w", serveErr))
		}
	})

	killSignals := make(chan os.Signal, 1)
	signal.Notify(killSignals, syscall.SIGINT, syscall.SIGTERM)

	sig := <-killSignals
	log.Infof("shutting down, received signal: %s", sig)
	server.Shutdown("server shutting down")

	go func() {
		sig := <-killSignals
		log.Fatalf("forcefully shutting down, received signal: %s", sig)
	}()

	return nil
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	logger.SetFormatter(logfmt.New())

	switch cfg.Output {
	case "", "stderr":
		logger.SetOutput(os.Stderr)
	case "stdout":
		logger.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(f)
	}
	return logger, nil
}

func serverOptions(cfg *config.Config, logger *logrus.Logger) ([]relayd.Option, error) {
	limits := relayd.DefaultLimits()
	if cfg.Limits.RateBurst != 0 {
		limits.RateBurst = cfg.Limits.RateBurst
	}
	if cfg.Limits.RateSustained != 0 {
		limits.RateSustained = cfg.Limits.RateSustained
	}
	if cfg.Limits.MaxJoinedChans != 0 {
		limits.MaxJoinedChans = cfg.Limits.MaxJoinedChans
	}
	if cfg.Limits.WhowasDepth != 0 {
		limits.WhowasDepth = cfg.Limits.WhowasDepth
	}

	creds, err := accountsToCredentials(cfg.Accounts)
	if err != nil {
		return nil, err
	}

	opCreds := make([]relayd.OperCredential, 0, len(cfg.Operators))
	for _, o := range cfg.Operators {
		perm, err := parsePermission(o.Permission)
		if err != nil {
			return nil, fmt.Errorf("operator %s: %w", o.Name, err)
		}
		opCreds = append(opCreds, relayd.OperCredential{Name: o.Name, Password: o.Password, Permission: perm})
	}

	opts := []relayd.Option{
		relayd.WithNetworkName(cfg.Network.NetworkName),
		relayd.WithAdmin(relayd.AdminInfo{
			Location1: cfg.Network.AdminLocation1,
			Location2: cfg.Network.AdminLocation2,
			Email:     cfg.Network.AdminEmail,
		}),
		relayd.WithLimits(limits),
		relayd.WithListenAddr(listenAddress(cfg)),
		relayd.WithLogger(logger),
		relayd.WithCredentials(creds),
		relayd.WithOperators(opCreds),
	}
	if cfg.Network.MOTDFile != "" {
		lines, err := readMOTD(cfg.Network.MOTDFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, relayd.WithMOTD(lines))
	}
	if cfg.Replication.Enabled {
		opts = append(opts, relayd.WithReplication(replicationPeers(cfg.Replication)))
	}
	return opts, nil
}

func replicationPeers(cfg config.ReplicationConfig) []replication.PeerConfig {
	peers := make([]replication.PeerConfig, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, replication.PeerConfig{
			Name: p.Name, Address: p.Address, Secret: p.Secret, Autoconnect: p.Autoconnect,
		})
	}
	return peers
}

func listenAddress(cfg *config.Config) string {
	if cfg.Listen.TLSAddress != "" {
		return cfg.Listen.TLSAddress
	}
	return cfg.Listen.Address
}

func accountsToCredentials(accounts []config.AccountConfig) (sasl.Credentials, error) {
	out := make([]sasl.Account, 0, len(accounts))
	for _, a := range accounts {
		acct := sasl.Account{Name: a.Name, BcryptHash: a.BcryptHash, CertFingerprints: a.CertFingerprints}
		if a.ScramSalt != "" {
			salt, err := hex.DecodeString(a.ScramSalt)
			if err != nil {
				return nil, fmt.Errorf("account %s: scram_salt: %w", a.Name, err)
			}
			storedKey, err := hex.DecodeString(a.ScramStoredKey)
			if err != nil {
				return nil, fmt.Errorf("account %s: scram_stored_key: %w", a.Name, err)
			}
			serverKey, err := hex.DecodeString(a.ScramServerKey)
			if err != nil {
				return nil, fmt.Errorf("account %s: scram_server_key: %w", a.Name, err)
			}
			acct.Scram = sasl.ScramRecord{
				Salt: salt, Iterations: a.ScramIterations,
				StoredKey: storedKey, ServerKey: serverKey,
			}
		}
		out = append(out, acct)
	}
	return sasl.NewStaticCredentials(out), nil
}

func parsePermission(s string) (relayd.Permission, error) {
	switch s {
	case "netop":
		return relayd.PermNetOp, nil
	case "admin":
		return relayd.PermAdmin, nil
	default:
		return relayd.PermUser, fmt.Errorf("unknown operator permission %q (want netop or admin)", s)
	}
}

func readMOTD(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading motd file %s: %w", path, err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines, nil
}
