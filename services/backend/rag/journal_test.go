// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DentalAssistant/pkg/apperrors"
	"github.com/AleutianAI/DentalAssistant/pkg/logging"
)

func testJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	return NewJournal(path, logging.Default(), nil), path
}

func testRecord(id string) Record {
	return Record{
		ID:            id,
		CreatedAt:     1700000000000,
		DentistName:   "Dr Martin",
		Transcription: "Patient presente une douleur molaire 36.",
		SmartNote:     "Motif: douleur 36. Diagnostic: pulpite.",
		Digest:        NoteDigest("Motif: douleur 36. Diagnostic: pulpite."),
	}
}

func TestJournal_AppendAndScan(t *testing.T) {
	j, _ := testJournal(t)
	require.NoError(t, j.Append(testRecord("a")))
	require.NoError(t, j.Append(testRecord("b")))

	var ids []string
	require.NoError(t, j.Scan(func(rec Record) bool {
		ids = append(ids, rec.ID)
		return true
	}))
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestJournal_FilePermissions(t *testing.T) {
	j, path := testJournal(t)
	require.NoError(t, j.Append(testRecord("a")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestJournal_ScanSkipsCorruptLines(t *testing.T) {
	j, path := testJournal(t)
	require.NoError(t, j.Append(testRecord("a")))

	// Simulate a partial write from a crash.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","created_`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	corrupt := 0
	j2 := NewJournal(path, logging.Default(), func() { corrupt++ })
	require.NoError(t, j2.Append(testRecord("b")))

	n, err := j2.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, corrupt)
}

func TestJournal_ScanStopsEarly(t *testing.T) {
	j, _ := testJournal(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, j.Append(testRecord(id)))
	}

	seen := 0
	require.NoError(t, j.Scan(func(Record) bool {
		seen++
		return seen < 2
	}))
	assert.Equal(t, 2, seen)
}

func TestJournal_MissingFile(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "absent.jsonl"), logging.Default(), nil)
	n, err := j.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJournal_AppendToUnwritablePath(t *testing.T) {
	j := NewJournal(t.TempDir(), logging.Default(), nil) // path is a directory
	err := j.Append(testRecord("a"))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.StoragePersist))
}

func TestJournal_Export(t *testing.T) {
	j, _ := testJournal(t)
	require.NoError(t, j.Append(testRecord("a")))
	require.NoError(t, j.Append(testRecord("b")))

	var buf bytes.Buffer
	n, err := j.Export(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var records []Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ID)
}

func TestJournal_ExportEmpty(t *testing.T) {
	j, _ := testJournal(t)

	var buf bytes.Buffer
	n, err := j.Export(&buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.JSONEq(t, "[]", buf.String())
}

func TestNoteDigest_Deterministic(t *testing.T) {
	a := NoteDigest("note")
	b := NoteDigest("note")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, NoteDigest("other"))
}
