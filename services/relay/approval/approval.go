// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval keeps the durable ledger of exception approval requests.
//
// When the policy engine downgrades a block to pending_approval it submits a
// request here; operators later list pending requests over the admin API and
// approve or deny each one. The ledger is the only relay state that survives
// a restart (an operator decision must not be lost to a redeploy), so it
// lives in the embedded BadgerDB behind services/relay/storage/badger rather
// than in memory. Records carry opaque token hashes only, never raw tokens.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
)

// =============================================================================
// SEC-080: Approval Requests
// =============================================================================

// Request lifecycle states.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

var (
	// ErrNotFound is returned when no request exists for the given id.
	ErrNotFound = errors.New("approval: request not found")

	// ErrAlreadyResolved is returned when resolving a request that has
	// left the pending state.
	ErrAlreadyResolved = errors.New("approval: request already resolved")

	// ErrInvalidResolution is returned when a resolution is neither
	// approved nor denied.
	ErrInvalidResolution = errors.New("approval: resolution must be approved or denied")

	// ErrUnknownStatus is returned for a List filter outside the known
	// lifecycle states.
	ErrUnknownStatus = errors.New("approval: unknown status filter")

	// ErrEmptyTokenHash is returned when Submit is called without a token
	// hash.
	ErrEmptyTokenHash = errors.New("approval: empty token hash")
)

// Request is one exception approval awaiting, or past, operator action.
type Request struct {
	ID          string `json:"request_id"`
	TokenHash   string `json:"token_hash"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status"`
	Note        string `json:"note,omitempty"`
	SubmittedAt int64  `json:"submitted_at"`
	ResolvedAt  int64  `json:"resolved_at,omitempty"`
}

func validStatus(status string) bool {
	return status == StatusPending || status == StatusApproved || status == StatusDenied
}

// =============================================================================
// SEC-081: Badger-Backed Ledger
// =============================================================================

const keyPrefix = "approval:"

func requestKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// Ledger persists approval requests in BadgerDB. The database handle is owned
// by the caller; the ledger never closes it.
type Ledger struct {
	db  *badger.DB
	log *logging.Logger
}

// New creates a ledger over an open database.
func New(db *badger.DB, log *logging.Logger) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("approval: db must not be nil")
	}
	if log == nil {
		log = logging.Default()
	}
	return &Ledger{db: db, log: log}, nil
}

// Submit records a new pending request and returns its id.
//
// # Description
//
// Called from the policy decision path, which carries no request context, so
// the write uses context.Background. The id is a random UUID; submission time
// is stamped in Unix seconds.
//
// # Thread Safety
//
// Safe for concurrent use; each call writes a distinct key.
func (l *Ledger) Submit(tokenHash, reason string) (string, error) {
	if tokenHash == "" {
		return "", ErrEmptyTokenHash
	}

	req := Request{
		ID:          uuid.NewString(),
		TokenHash:   tokenHash,
		Reason:      reason,
		Status:      StatusPending,
		SubmittedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("approval: marshal request: %w", err)
	}

	err = l.db.WithTxn(context.Background(), func(txn *dgbadger.Txn) error {
		return txn.Set(requestKey(req.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("approval: persist request: %w", err)
	}

	l.log.Info("approval request submitted",
		"request_id", req.ID, "token_hash", tokenHash)
	return req.ID, nil
}

// Get returns the request with the given id, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*Request, error) {
	var req Request
	err := l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(requestKey(id))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &req)
		})
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// List returns requests newest first, optionally filtered to one status. An
// empty status returns everything.
func (l *Ledger) List(ctx context.Context, status string) ([]Request, error) {
	if status != "" && !validStatus(status) {
		return nil, ErrUnknownStatus
	}

	requests := []Request{}
	prefix := []byte(keyPrefix)
	err := l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var req Request
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &req)
			}); err != nil {
				l.log.Warn("skipping unreadable approval record",
					"key", string(item.KeyCopy(nil)), "error", err)
				continue
			}
			if status != "" && req.Status != status {
				continue
			}
			requests = append(requests, req)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(requests, func(i, j int) bool {
		if requests[i].SubmittedAt != requests[j].SubmittedAt {
			return requests[i].SubmittedAt > requests[j].SubmittedAt
		}
		return requests[i].ID < requests[j].ID
	})
	return requests, nil
}

// Resolve moves a pending request to approved or denied and returns the
// updated record.
//
// # Description
//
// The read-modify-write runs inside a single read-write transaction, so two
// operators racing on the same request cannot both win: the loser's commit
// fails with a transaction conflict.
//
// # Outputs
//
//   - *Request: the resolved record.
//   - error: ErrInvalidResolution, ErrNotFound, ErrAlreadyResolved, or a
//     storage failure.
func (l *Ledger) Resolve(ctx context.Context, id, resolution, note string) (*Request, error) {
	if resolution != StatusApproved && resolution != StatusDenied {
		return nil, ErrInvalidResolution
	}

	var req Request
	err := l.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(requestKey(id))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &req)
		}); err != nil {
			return fmt.Errorf("approval: decode request: %w", err)
		}
		if req.Status != StatusPending {
			return ErrAlreadyResolved
		}

		req.Status = resolution
		req.Note = note
		req.ResolvedAt = time.Now().Unix()
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("approval: marshal request: %w", err)
		}
		return txn.Set(requestKey(id), data)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("approval request resolved",
		"request_id", id, "status", resolution)
	return &req, nil
}

// PendingCount returns the number of requests still awaiting action. Used by
// the admin status surface.
func (l *Ledger) PendingCount(ctx context.Context) (int, error) {
	count := 0
	prefix := []byte(keyPrefix)
	err := l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var req Request
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &req)
			}); err != nil {
				continue
			}
			if req.Status == StatusPending {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
