/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

//go:build linux

package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
	"golang.org/x/sync/errgroup"
)

// RunServices initializes logging, creates the tunnel server, and runs it
// until SIGINT or SIGTERM, or until the event loop fails. Host
// configuration is reverted before RunServices returns.
func RunServices(config *Config) error {

	err := config.Validate()
	if err != nil {
		return errors.Trace(err)
	}

	err = InitLogging(config)
	if err != nil {
		return errors.Trace(err)
	}

	log.WithTraceFields(common.LogFields{
		"port":            config.ListenPort,
		"tun_device":      config.TunDeviceName,
		"private_network": config.privateNetwork.String(),
		"route":           config.route.String(),
		"mtu":             config.MTU,
		"archive":         config.ArchiveEnabled(),
	}).Info("startup")

	hasCapability, err := common.HasNetAdminCapability()
	if err != nil {
		return errors.Trace(err)
	}
	if !hasCapability {
		err := errors.TraceNew("CAP_NET_ADMIN is required")
		log.WithTraceFields(common.LogFields{"error": err}).Error("init server failed")
		return err
	}

	server, err := NewServer(config, log)
	if err != nil {
		log.WithTraceFields(common.LogFields{"error": err}).Error("init server failed")
		return errors.Trace(err)
	}

	// An OS signal triggers an orderly shutdown.
	signalContext, stopNotify := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopNotify()

	group, groupContext := errgroup.WithContext(signalContext)

	serverStopped := make(chan struct{})

	group.Go(func() error {
		defer close(serverStopped)
		return errors.Trace(server.Run())
	})

	group.Go(func() error {
		select {
		case <-groupContext.Done():
			if signalContext.Err() != nil {
				log.WithTrace().Info("shutdown by system")
			}
			server.Stop()
		case <-serverStopped:
		}
		return nil
	})

	// SIGUSR2 triggers an immediate load log.
	logServerLoadSignal := make(chan os.Signal, 1)
	signal.Notify(logServerLoadSignal, syscall.SIGUSR2)
	defer signal.Stop(logServerLoadSignal)

	group.Go(func() error {

		var tick <-chan time.Time
		if config.RunLoadMonitor() {
			ticker := time.NewTicker(
				time.Duration(config.LoadMonitorPeriodSeconds) * time.Second)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-serverStopped:
				return nil
			case <-tick:
				logServerLoad(server)
			case <-logServerLoadSignal:
				logServerLoad(server)
			}
		}
	})

	err = group.Wait()
	if err != nil {
		log.WithTraceFields(common.LogFields{"error": err}).Error("service failed")
		return err
	}

	return nil
}
