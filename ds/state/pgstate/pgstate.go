// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pgstate implements the group state provider interface backed by
// PostgreSQL, for replicated deployments where several delivery service
// instances share one database.
package pgstate

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx"
	"gopkg.in/op/go-logging.v1"

	"github.com/groupwire/groupwire/core/log"
	"github.com/groupwire/groupwire/ds/state"
	"github.com/groupwire/groupwire/wire"
)

const (
	connMax = 16

	stmtCreateTable = `CREATE TABLE IF NOT EXISTS group_data (
  group_id BYTEA PRIMARY KEY,
  ciphertext BYTEA NOT NULL,
  last_used BIGINT NOT NULL,
  deleted_queues BYTEA NOT NULL
)`

	stmtReserve = "stmt_reserve"
	stmtLoad    = "stmt_load"
	stmtClaim   = "stmt_claim"
	stmtStore   = "stmt_store"
	stmtUpdate  = "stmt_update"
	stmtDelete  = "stmt_delete"
	stmtLock    = "stmt_lock"
	stmtUnlock  = "stmt_unlock"
)

type pgProvider struct {
	pool *pgx.ConnPool
	log  *logging.Logger

	mu      sync.Mutex
	holders map[uuid.UUID]*pgx.Conn
}

// New connects to the database named by the pgx connection string and
// ensures the schema exists.
func New(logBackend *log.Backend, dataSourceName string) (state.Provider, error) {
	cc, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("pgstate: invalid connection string: %w", err)
	}
	p := &pgProvider{
		log:     logBackend.GetLogger("pgstate"),
		holders: make(map[uuid.UUID]*pgx.Conn),
	}
	poolConfig := pgx.ConnPoolConfig{
		ConnConfig:     cc,
		MaxConnections: connMax,
		AfterConnect:   p.prepareStatements,
	}
	if p.pool, err = pgx.NewConnPool(poolConfig); err != nil {
		return nil, fmt.Errorf("pgstate: failed to create connection pool: %w", err)
	}
	if _, err = p.pool.Exec(stmtCreateTable); err != nil {
		p.pool.Close()
		return nil, fmt.Errorf("pgstate: failed to ensure schema: %w", err)
	}
	return p, nil
}

func (p *pgProvider) prepareStatements(conn *pgx.Conn) error {
	for name, sql := range map[string]string{
		stmtReserve: `INSERT INTO group_data (group_id, ciphertext, last_used, deleted_queues)
  VALUES ($1, ''::bytea, $2, ''::bytea) ON CONFLICT (group_id) DO NOTHING`,
		stmtLoad: `SELECT ciphertext, last_used, deleted_queues FROM group_data WHERE group_id = $1`,
		stmtClaim: `SELECT 1 FROM group_data
  WHERE group_id = $1 AND octet_length(ciphertext) = 0 AND octet_length(deleted_queues) = 0`,
		stmtStore: `UPDATE group_data SET ciphertext = $2, last_used = $3
  WHERE group_id = $1 AND octet_length(ciphertext) = 0 AND octet_length(deleted_queues) = 0`,
		stmtUpdate: `UPDATE group_data SET ciphertext = $2, last_used = $3, deleted_queues = $4
  WHERE group_id = $1`,
		stmtDelete: `UPDATE group_data SET ciphertext = ''::bytea, last_used = $2, deleted_queues = $3
  WHERE group_id = $1`,
		stmtLock:   `SELECT pg_try_advisory_lock($1)`,
		stmtUnlock: `SELECT pg_advisory_unlock($1)`,
	} {
		if _, err := conn.Prepare(name, sql); err != nil {
			return fmt.Errorf("pgstate: failed to prepare %v: %w", name, err)
		}
	}
	return nil
}

func (p *pgProvider) Reserve(_ context.Context, id uuid.UUID) (bool, error) {
	tag, err := p.pool.Exec(stmtReserve, id[:], int64(wire.Now()))
	if err != nil {
		return false, fmt.Errorf("%w: reserve: %v", state.ErrStorage, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *pgProvider) Claim(_ context.Context, id uuid.UUID) (state.ReservedGroupID, error) {
	var one int
	err := p.pool.QueryRow(stmtClaim, id[:]).Scan(&one)
	switch {
	case err == pgx.ErrNoRows:
		return state.ReservedGroupID{}, state.ErrUnreserved
	case err != nil:
		return state.ReservedGroupID{}, fmt.Errorf("%w: claim: %v", state.ErrStorage, err)
	}
	return state.NewReservedGroupID(id), nil
}

func (p *pgProvider) Load(_ context.Context, id uuid.UUID) (*state.StorableGroupData, error) {
	var ciphertext, deletedQueues []byte
	var lastUsed int64
	err := p.pool.QueryRow(stmtLoad, id[:]).Scan(&ciphertext, &lastUsed, &deletedQueues)
	switch {
	case err == pgx.ErrNoRows:
		return nil, state.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: load: %v", state.ErrStorage, err)
	}
	data := &state.StorableGroupData{
		GroupUUID:  id,
		Ciphertext: ciphertext,
		LastUsed:   wireTimeStamp(lastUsed),
	}
	if len(deletedQueues) != 0 {
		if err := decodeQueues(deletedQueues, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (p *pgProvider) Store(_ context.Context, rid state.ReservedGroupID, data *state.StorableGroupData) error {
	id := rid.UUID()
	// Rows affected zero means the reservation disappeared; the create
	// is idempotent and silently does nothing.
	_, err := p.pool.Exec(stmtStore, id[:], data.Ciphertext, int64(data.LastUsed))
	if err != nil {
		return fmt.Errorf("%w: store: %v", state.ErrStorage, err)
	}
	return nil
}

func (p *pgProvider) Update(_ context.Context, data *state.StorableGroupData) error {
	queues, err := encodeQueues(data)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(stmtUpdate, data.GroupUUID[:], data.Ciphertext, int64(data.LastUsed), queues)
	if err != nil {
		return fmt.Errorf("%w: update: %v", state.ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (p *pgProvider) Delete(_ context.Context, data *state.StorableGroupData) error {
	queues, err := encodeQueues(data)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(stmtDelete, data.GroupUUID[:], int64(data.LastUsed), queues); err != nil {
		return fmt.Errorf("%w: delete: %v", state.ErrStorage, err)
	}
	return nil
}

// Lock takes a session scoped advisory lock keyed on the group id. The
// connection is pinned until release so the unlock happens on the session
// that holds the lock.
func (p *pgProvider) Lock(_ context.Context, id uuid.UUID) (func(), error) {
	conn, err := p.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to acquire connection: %v", state.ErrStorage, err)
	}
	key := advisoryKey(id)
	var locked bool
	if err := conn.QueryRow(stmtLock, key).Scan(&locked); err != nil {
		p.pool.Release(conn)
		return nil, fmt.Errorf("%w: lock: %v", state.ErrStorage, err)
	}
	if !locked {
		p.pool.Release(conn)
		return nil, state.ErrGroupBusy
	}
	p.mu.Lock()
	p.holders[id] = conn
	p.mu.Unlock()
	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.holders, id)
			p.mu.Unlock()
			var unlocked bool
			if err := conn.QueryRow(stmtUnlock, key).Scan(&unlocked); err != nil || !unlocked {
				p.log.Warningf("advisory unlock for %v failed: %v", id, err)
			}
			p.pool.Release(conn)
		})
	}
	return release, nil
}

func (p *pgProvider) Close() {
	p.pool.Close()
}

// advisoryKey derives the lock key from a digest of the whole group id.
// Truncating the id itself would let distinct ids with a shared prefix
// contend for the same lock.
func advisoryKey(id uuid.UUID) int64 {
	sum := sha256.Sum256(id[:])
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func wireTimeStamp(v int64) wire.TimeStamp {
	return wire.TimeStamp(v)
}

func encodeQueues(data *state.StorableGroupData) ([]byte, error) {
	if len(data.DeletedQueues) == 0 {
		return []byte{}, nil
	}
	b, err := cbor.Marshal(data.DeletedQueues)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode deleted queues: %v", state.ErrStorage, err)
	}
	return b, nil
}

func decodeQueues(raw []byte, data *state.StorableGroupData) error {
	if err := cbor.Unmarshal(raw, &data.DeletedQueues); err != nil {
		return fmt.Errorf("%w: failed to decode deleted queues: %v", state.ErrStorage, err)
	}
	return nil
}
