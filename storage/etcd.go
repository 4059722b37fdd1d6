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

package storage

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdSessionStoreImpl implements SessionStore against etcd
type etcdSessionStoreImpl struct {
	common.Component
	client     *clientv3.Client
	sessionTTL time.Duration
}

// CreateEtcdSessionStore define an etcd backed SessionStore.
//
// sessionTTL is the liveness TTL applied to session records through etcd
// leases; presence records carry no TTL.
func CreateEtcdSessionStore(
	servers []string, dialTimeout, sessionTTL time.Duration,
) (SessionStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   servers,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		log.WithError(err).Errorf("Unable to connect with etcd servers %s", servers)
		return nil, err
	}
	logTags := log.Fields{"module": "storage", "component": "etcd-session-store"}
	log.WithFields(logTags).Infof("Connected with etcd servers %s", servers)
	return &etcdSessionStoreImpl{
		Component:  common.Component{LogTags: logTags},
		client:     client,
		sessionTTL: sessionTTL,
	}, nil
}

// RecordSession upsert the user → owning-node mapping, restarting its TTL.
//
// Each upsert binds the key to a fresh lease; the lease abandoned by a
// re-registration expires on its own without touching the key.
func (d *etcdSessionStoreImpl) RecordSession(
	ctxt context.Context, userID, serverID string,
) error {
	lease, err := d.client.Grant(ctxt, int64(d.sessionTTL.Seconds()))
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to grant lease for session %s", userID,
		)
		return err
	}
	if _, err := d.client.Put(
		ctxt, sessionKey(userID), serverID, clientv3.WithLease(lease.ID),
	); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to record session %s ==> %s", userID, serverID,
		)
		return err
	}
	log.WithFields(d.LogTags).Debugf("Recorded session %s ==> %s", userID, serverID)
	return nil
}

// GetSession read the user's owning node
func (d *etcdSessionStoreImpl) GetSession(
	ctxt context.Context, userID string,
) (string, error) {
	resp, err := d.client.Get(ctxt, sessionKey(userID))
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to read session %s", userID,
		)
		return "", err
	}
	if resp.Count == 0 {
		return "", common.ErrSessionNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

// ClearSession delete the user's mapping if serverID still owns it.
//
// Fencing is read-then-delete rather than a store transaction; the residual
// race window is accepted under the store's last-write-wins contract.
func (d *etcdSessionStoreImpl) ClearSession(
	ctxt context.Context, userID, serverID string,
) (bool, error) {
	current, err := d.GetSession(ctxt, userID)
	if err != nil {
		if err == common.ErrSessionNotFound {
			return false, nil
		}
		return false, err
	}
	if current != serverID {
		log.WithFields(d.LogTags).Infof(
			"Ignored unregister of %s from %s; session now owned by %s",
			userID, serverID, current,
		)
		return false, nil
	}
	if _, err := d.client.Delete(ctxt, sessionKey(userID)); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to clear session %s", userID,
		)
		return false, err
	}
	log.WithFields(d.LogTags).Debugf("Cleared session %s from %s", userID, serverID)
	return true, nil
}

// SetPresence record the user's presence state and last-seen timestamp
func (d *etcdSessionStoreImpl) SetPresence(
	ctxt context.Context, userID string, status PresenceStatus, lastSeen time.Time,
) error {
	if _, err := d.client.Put(
		ctxt, presenceStatusKey(userID), string(status),
	); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to set presence status for %s", userID,
		)
		return err
	}
	if _, err := d.client.Put(
		ctxt, presenceLastSeenKey(userID), lastSeen.Format(time.RFC3339Nano),
	); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to set presence last-seen for %s", userID,
		)
		return err
	}
	return nil
}

// GetPresence read the user's presence record
func (d *etcdSessionStoreImpl) GetPresence(
	ctxt context.Context, userID string,
) (PresenceRecord, error) {
	record := PresenceRecord{UserID: userID, Status: PresenceOffline}
	statusResp, err := d.client.Get(ctxt, presenceStatusKey(userID))
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to read presence status for %s", userID,
		)
		return record, err
	}
	if statusResp.Count == 0 {
		return record, nil
	}
	record.Status = PresenceStatus(statusResp.Kvs[0].Value)
	lastSeenResp, err := d.client.Get(ctxt, presenceLastSeenKey(userID))
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to read presence last-seen for %s", userID,
		)
		return record, err
	}
	if lastSeenResp.Count > 0 {
		if parsed, err := time.Parse(
			time.RFC3339Nano, string(lastSeenResp.Kvs[0].Value),
		); err == nil {
			record.LastSeen = parsed
		}
	}
	return record, nil
}

// Close release the store connection
func (d *etcdSessionStoreImpl) Close() error {
	return d.client.Close()
}
