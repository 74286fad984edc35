// Package id generates the prefixed, URL-safe identifiers used for
// TranscodingJob rows. Bitrate and master job ids are built separately
// from the chapter id and a timestamp (see domain.BitrateJob,
// domain.MasterJob), since those need to stay deterministic across
// retries rather than random.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// JobPrefix is the id prefix for TranscodingJob rows, e.g. "job-V1StGXR8_Z5jdHi6B-myT".
const JobPrefix = "job"

// NewJobID generates a TranscodingJob id.
func NewJobID() (string, error) {
	return Generate(JobPrefix)
}

// Generate creates a prefixed unique ID using NanoID
// Format: prefix-nanoid (e.g., "job-V1StGXR8_Z5jdHi6B-myT")
//
// NanoIDs are URL-friendly, compact (21 characters vs UUID's 36),
// and use a larger alphabet for better entropy per character.
//
// Returns an error if the system has insufficient entropy for secure random generation.
func Generate(prefix string) (string, error) {
	// Use default NanoID (21 characters, URL-safe alphabet)
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return prefix + "-" + id, nil
}

// MustGenerate is like Generate but panics if ID generation fails.
// Use this only when you're certain the system entropy is available,
// or when failure should crash the program (e.g., during initialization).
func MustGenerate(prefix string) string {
	id, err := Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return id
}
