// Package services implements the review pipeline: per-resource leases,
// incremental sync, the analysis job queue, reply draft generation and the
// run orchestration that ties them together under a time budget.
//
// This file centralizes service-level error values so callers can check them
// with errors.Is and handlers can map them to HTTP results consistently.
package services

import "errors"

var (
	// ErrInvalidMode is returned when a run requests an unknown mode.
	ErrInvalidMode = errors.New("invalid run mode")

	// ErrResourceNotFound indicates the resource is unknown locally or
	// upstream.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrReviewNotFound indicates a job references a review that no longer
	// exists.
	ErrReviewNotFound = errors.New("review not found")

	// ErrMissingIdentity is returned by draft generation in strict mode when
	// neither the resource nor the owner has a voice identity configured.
	ErrMissingIdentity = errors.New("voice identity not configured")

	// ErrUntrustedOverride is returned when an identity override is supplied
	// on a call path that is not trusted to use it.
	ErrUntrustedOverride = errors.New("identity override not allowed for untrusted caller")
)

// ErrEmptyDraft is returned when post-processing leaves no reply text.
var ErrEmptyDraft = errors.New("generated reply is empty")
