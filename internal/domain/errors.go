// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrQueueFull indicates the task queue has reached its capacity.
var ErrQueueFull = errors.New("task queue is full")

// ErrTaskNotFound indicates the requested task does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrWorkerNotFound indicates the named worker is not registered.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrAuthFailure indicates a register handshake with a bad shared secret.
var ErrAuthFailure = errors.New("authentication failed")

// ErrAttachmentTooLarge indicates an attachment above the admission size cap.
var ErrAttachmentTooLarge = errors.New("attachment exceeds size cap")

// ErrWorkerBusy indicates the worker already has a running task.
var ErrWorkerBusy = errors.New("worker already has a running task")
