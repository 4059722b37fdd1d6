// Copyright 2024 The chatmesh Authors
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

package cmd

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/bus"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/core"
	"github.com/chatmesh/chatmesh/edge"
	"github.com/chatmesh/chatmesh/gateway"
	"github.com/chatmesh/chatmesh/locator"
	"github.com/chatmesh/chatmesh/storage"
)

// RunGatewayServer run a local delivery gateway server
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.GatewayConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	if err := ensureCoreStreams(natsClient); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to provision streams")
		return err
	}

	messages, err := storage.CreatePostgresMessageStore(config.Database.DSN)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message store")
		return err
	}
	defer func() {
		if err := messages.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Message store close failed")
		}
	}()

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	mbus, err := bus.GetJetStreamBus(localCtxt, natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message bus")
		return err
	}

	node, err := edge.DefineEdgeNode(
		localCtxt,
		instance,
		mbus,
		time.Second*time.Duration(config.EdgeSetting.AnnounceInterval),
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define edge node")
		return err
	}

	locate, err := locator.DefineSessionLocator(mbus, instance, 0)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session locator")
		return err
	}

	var groups gateway.GroupDirectory
	if config.GroupDirectoryURL != "" {
		groups, err = gateway.GetHTTPGroupDirectory(config.GroupDirectoryURL)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define group directory")
			return err
		}
	} else {
		groups = gateway.GetMemoryGroupDirectory()
	}

	deliveryGateway, err := gateway.DefineDeliveryGateway(
		node, mbus, messages, groups, locate, config.ForwardQueueGroup,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery gateway")
		return err
	}

	if err := locate.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session locator")
		return err
	}
	if err := deliveryGateway.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start delivery gateway")
		return err
	}

	httpSrv := defineClientServer(
		localCtxt, &config.EdgeSetting, deliveryGateway, natsClient, wg,
	)
	httpSrv.RegisterOnShutdown(lclCancel)

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started client server on http://%s", httpSrv.Addr)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
