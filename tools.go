//go:build tools
// +build tools

// Package tools tracks Go-based tool dependencies (mockgen via go generate)
// in go.mod so generation works on a fresh checkout.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
