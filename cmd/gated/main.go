// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"net/http"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/profile"

	"github.com/overlaynet/meshgate/pkg/config"
	"github.com/overlaynet/meshgate/pkg/gateway"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := config.Load(os.Args[1])
	if err != nil {
		log.WithField("error", err).Fatal("failed to parse config")
	}
	conf.ApplyLogging()

	if os.Getenv("MESHGATE_PROFILE") != "" {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	creds, err := conf.Credentials()
	if err != nil {
		log.WithField("error", err).Fatal("failed to load identity")
	}

	policy, keyringStore, err := conf.SessionPolicy()
	if err != nil {
		log.WithField("error", err).Fatal("failed to open keyring")
	}

	mgr, err := gateway.NewManager(conf.Gateway.Listen, creds, policy)
	if err != nil {
		log.WithField("error", err).Fatal("failed to start gateway")
	}

	watcher, err := config.NewWatcher(os.Args[1], func(c config.Config) {
		mgr.SetPolicy(c.SessionPolicyWith(keyringStore))
	})
	if err != nil {
		log.WithField("error", err).Warn("config hot-reload disabled")
	}

	if conf.Status.Enabled {
		go func() {
			log.WithField("address", conf.Status.Listen).Info("status: listening")
			if err := http.ListenAndServe(conf.Status.Listen, mgr.StatusRouter()); err != nil {
				log.WithField("error", err).Warn("status: server stopped")
			}
		}()
	}

	waitSigint()
	log.Info("shutting down..")

	if watcher != nil {
		_ = watcher.Close()
	}
	_ = mgr.Close()
	_ = keyringStore.Close()
}
