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
	"github.com/chatmesh/chatmesh/apis"
	"github.com/chatmesh/chatmesh/bus"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/core"
	"github.com/chatmesh/chatmesh/edge"
	"github.com/gorilla/mux"
)

// RunEdgeServer run an edge node server
func RunEdgeServer(
	runTimeContext context.Context,
	config *common.EdgeConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "edge",
		"instance":  instance,
	}

	if err := ensureCoreStreams(natsClient); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to provision streams")
		return err
	}

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
		time.Second*time.Duration(config.AnnounceInterval),
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define edge node")
		return err
	}
	if err := node.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start edge node")
		return err
	}

	httpSrv := defineClientServer(localCtxt, config, node, natsClient, wg)
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

// defineClientServer build the client-facing HTTP server: the WebSocket
// connect endpoint plus health checks. Shared between the edge and gateway
// roles, which differ only in the SessionHandler fed by the socket layer.
func defineClientServer(
	rootCtxt context.Context,
	config *common.EdgeConfig,
	handler edge.SessionHandler,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) *http.Server {
	router := mux.NewRouter()

	// Client WebSocket connect
	_ = apis.RegisterPathPrefix(
		router, "/v1/connect", map[string]http.HandlerFunc{
			"get": edge.GetWebsocketHandler(edge.WebsocketHandlerParams{
				Handler:  handler,
				RootCtxt: rootCtxt,
				WG:       wg,
			}),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(router, "/alive", map[string]http.HandlerFunc{
		"get": apis.GetNodeAliveHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/ready", map[string]http.HandlerFunc{
		"get": apis.GetNodeReadyHandler(natsClient),
	})

	return defineHTTPServer(config.HTTPSetting.Server, router)
}
