// Package mocks provides mock implementations for testing the jobs engine.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the engine's ports.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	store := mocks.NewMockStore(ctrl)
//	store.EXPECT().Head(gomock.Any(), "/bookmarks/services").Return(nil)
package mocks

// Generate mock for the Store port from the internal/core package.
// This creates MockStore with methods for all Store interface methods:
// Head, Get, Put, Post, Delete, Watch
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=store_mock.go github.com/OADA/jobs/internal/core Store
