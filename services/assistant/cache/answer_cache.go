// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache stores answered results in an embedded BadgerDB so
// repeated questions skip the pipeline entirely.
//
// Only answered outcomes are cached: rejections and infrastructure
// failures must be re-evaluated on every ask. Entries expire via
// Badger's native TTL, so a protocol update becomes visible after at
// most one TTL period.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
)

// DefaultTTL is how long an answered result stays valid.
const DefaultTTL = time.Hour

// keyPrefix namespaces answer entries within the database.
const keyPrefix = "answer:"

// Config holds configuration for the answer cache.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// TTL is the entry lifetime. Zero selects DefaultTTL.
	TTL time.Duration

	// Logger receives BadgerDB's internal logging. If nil, that logging
	// is disabled.
	Logger *slog.Logger
}

// AnswerCache is a TTL cache of answered pipeline results keyed by the
// normalized question.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB synchronizes all access.
type AnswerCache struct {
	db  *badger.DB
	ttl time.Duration
}

// Open creates the cache at the configured path, or in memory.
// Caller must Close when done.
func Open(cfg Config) (*AnswerCache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent cache")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open answer cache: %w", err)
	}
	return &AnswerCache{db: db, ttl: cfg.TTL}, nil
}

// Get looks up a previously answered result for the question.
// The second return value reports whether the lookup hit.
func (c *AnswerCache) Get(question string) (*datatypes.PipelineResult, bool, error) {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(question))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("answer cache lookup: %w", err)
	}

	var result datatypes.PipelineResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("corrupt answer cache entry: %w", err)
	}
	return &result, true, nil
}

// Put stores an answered result under the question's key. Results with
// any other terminal reason are ignored.
func (c *AnswerCache) Put(question string, result *datatypes.PipelineResult) error {
	if result == nil || result.TerminalReason != datatypes.TerminalAnswered {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode answer cache entry: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(cacheKey(question), raw).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("write answer cache entry: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying database.
func (c *AnswerCache) Close() error {
	return c.db.Close()
}

// cacheKey hashes the normalized question so trivially different
// phrasings of the same text share one entry and raw questions never
// appear as store keys.
func cacheKey(question string) []byte {
	normalized := strings.ToLower(strings.Join(strings.Fields(question), " "))
	sum := sha256.Sum256([]byte(normalized))
	return []byte(keyPrefix + hex.EncodeToString(sum[:]))
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
