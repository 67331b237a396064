// Package gateway provides the public API for embedding the tenant gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/tenant-gateway/internal/pkg/config"
	"github.com/tjfontaine/tenant-gateway/internal/runtime"
)

// Gateway is the main entry point for running the tenant gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Config is the gateway configuration.
type Config = config.Config

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	)
//	if err != nil { ... }
//	if err := gw.Start(ctx); err != nil { ... }
//	defer gw.Shutdown(shutdownCtx)
var New = runtime.New

// LoadConfig reads a config file and GATEWAY_* environment variables.
var LoadConfig = config.Load

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Shared resources
	WithStore             = runtime.WithStore
	WithRedisClient       = runtime.WithRedisClient
	WithMetrics           = runtime.WithMetrics
	WithUpstreamTransport = runtime.WithUpstreamTransport

	// Advanced options
	WithListenAddr = runtime.WithListenAddr
	WithVersion    = runtime.WithVersion
	WithLogger     = runtime.WithLogger
)
