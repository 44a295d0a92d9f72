// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag stores consultations durably and retrieves them, plus a
// curated dental knowledge base, by semantic similarity.
//
// Two layers with very different guarantees:
//
//   - Journal: append-only JSONL, fsync'd, the authoritative record. A
//     consultation exists once its journal line is on disk.
//   - Index: an in-process cosine index persisted as a JSON cache. It can
//     be deleted at any time and rebuilt from the journal.
package rag

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/pkg/logging"
)

// =============================================================================
// Record
// =============================================================================

// Record is one journalled consultation. CreatedAt is UTC unix
// milliseconds so records sort and compare without timezone parsing.
type Record struct {
	ID               string `json:"id"`
	CreatedAt        int64  `json:"created_at"`
	PatientID        string `json:"patient_id,omitempty"`
	DentistName      string `json:"dentist_name,omitempty"`
	ConsultationType string `json:"consultation_type,omitempty"`
	Transcription    string `json:"transcription,omitempty"`
	SmartNote        string `json:"smartnote"`
	Digest           string `json:"digest"`
}

// NoteDigest returns the hex sha256 of a SmartNote body. Stored alongside
// the note so exports can be checked for tampering or truncation.
func NoteDigest(smartnote string) string {
	sum := sha256.Sum256([]byte(smartnote))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Journal
// =============================================================================

// Journal is the append-only consultation log.
//
// # Thread Safety
//
// Append is serialised by a mutex. Scan reads the file without the lock; an
// in-flight append at worst yields one partial final line, which Scan skips
// the same way it skips crash damage.
type Journal struct {
	path   string
	logger *logging.Logger

	// onCorrupt is invoked once per skipped line (metrics hook). May be nil.
	onCorrupt func()

	mu sync.Mutex
}

// NewJournal creates a Journal at path. The file is created lazily on first
// append.
func NewJournal(path string, logger *logging.Logger, onCorrupt func()) *Journal {
	return &Journal{path: path, logger: logger, onCorrupt: onCorrupt}
}

// Append writes one record and fsyncs before returning. After a nil return
// the record survives a crash.
//
// # Outputs
//
//   - error: storage/persist when the line cannot be written durably
func (j *Journal) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.StoragePersist, err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return apperrors.Wrap(apperrors.StoragePersist, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return apperrors.Wrap(apperrors.StoragePersist, err)
	}
	if err := f.Sync(); err != nil {
		return apperrors.Wrap(apperrors.StoragePersist, err)
	}
	return nil
}

// Scan streams every valid record to fn in file order. fn returning false
// stops the scan. Malformed lines (partial writes from a hard crash) are
// skipped and counted, never fatal.
func (j *Journal) Scan(fn func(Record) bool) error {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// SmartNote plus transcription can exceed the default 64KiB token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineno := 0
	for scanner.Scan() {
		lineno++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil || rec.ID == "" {
			j.logger.Warn("skipping malformed journal line", "line", lineno)
			if j.onCorrupt != nil {
				j.onCorrupt()
			}
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return scanner.Err()
}

// Count returns the number of valid records.
func (j *Journal) Count() (int, error) {
	n := 0
	err := j.Scan(func(Record) bool {
		n++
		return true
	})
	return n, err
}

// Export writes every valid record to w as a JSON array, returning the
// record count. Used by the consultation export endpoint.
func (j *Journal) Export(w io.Writer) (int, error) {
	enc := json.NewEncoder(w)

	var records []Record
	if err := j.Scan(func(rec Record) bool {
		records = append(records, rec)
		return true
	}); err != nil {
		return 0, err
	}
	if records == nil {
		records = []Record{}
	}
	if err := enc.Encode(records); err != nil {
		return 0, err
	}
	return len(records), nil
}
