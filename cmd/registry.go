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
	"github.com/chatmesh/chatmesh/registry"
	"github.com/chatmesh/chatmesh/storage"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// RunRegistryServer run the session registry server
func RunRegistryServer(
	runTimeContext context.Context,
	config *common.RegistryConfig,
	etcdConfig common.EtcdConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "registry",
		"instance":  instance,
	}

	if err := ensureCoreStreams(natsClient); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to provision streams")
		return err
	}

	store, err := storage.CreateEtcdSessionStore(
		etcdConfig.Endpoints,
		time.Second*time.Duration(etcdConfig.DialTimeout),
		time.Second*time.Duration(etcdConfig.SessionTTL),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session store")
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Session store close failed")
		}
	}()

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	mbus, err := bus.GetJetStreamBus(localCtxt, natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message bus")
		return err
	}

	notifier := registry.GetNoopPresenceNotifier()
	if config.PresenceCallbackURL != "" {
		notifier, err = registry.GetHTTPPresenceNotifier(config.PresenceCallbackURL)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define presence notifier")
			return err
		}
	}

	tp, err := common.GetNewTaskProcessorInstance(localCtxt, "session-registry", 64)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return err
	}

	sessionRegistry, err := registry.DefineSessionRegistry(
		localCtxt, tp, store, mbus, notifier, config.QueueGroup, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session registry")
		return err
	}

	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return err
	}
	if err := sessionRegistry.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session registry")
		return err
	}

	// -------------------------------------------------------------------
	// Start the ops HTTP server

	httpHandler, err := apis.GetAPIRestSessionRegistryHandler(
		natsClient, &config.HTTPSetting, store,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()

	// Session query
	_ = apis.RegisterPathPrefix(
		router, "/v1/session/{userId}", map[string]http.HandlerFunc{
			"get": httpHandler.GetSessionHandler(),
		},
	)

	// Presence query
	_ = apis.RegisterPathPrefix(
		router, "/v1/presence/{userId}", map[string]http.HandlerFunc{
			"get": httpHandler.GetPresenceHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(router, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	httpSrv := defineHTTPServer(config.HTTPSetting.Server, router)
	httpSrv.RegisterOnShutdown(lclCancel)

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started registry ops server on http://%s", httpSrv.Addr)

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

	if err := tp.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping event loop")
	}

	return nil
}
