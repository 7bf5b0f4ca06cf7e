package models

import "errors"

var (
	// ErrModelNotFound is returned when a model name is absent from configuration.
	ErrModelNotFound = errors.New("model not found")
	// ErrInvalidInput is returned when a request lacks a payload its modality requires.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoModelAvailable is returned when routing exhausts every candidate for a category.
	ErrNoModelAvailable = errors.New("no model available")
	// ErrUnsupportedProvider is returned for an unknown provider override.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrBackendFailure wraps an execution error from a local backend.
	ErrBackendFailure = errors.New("backend failure")
	// ErrInsufficientVRAM is returned when loading a model would overcommit GPU memory.
	ErrInsufficientVRAM = errors.New("insufficient vram")
	// ErrNotFound is returned when a stored record does not exist.
	ErrNotFound = errors.New("not found")
)
