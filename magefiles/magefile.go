//go:build mage

// Build targets for splload.
//
// Usage:
//
//	mage build      compile the splload binary into bin/
//	mage install    copy the binary into GOPATH/bin
//	mage test       run all package tests
//	mage lint       run golangci-lint
//	mage clean      remove build output
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binaryName = "splload"
	binaryDir  = "bin"
	cmdDir     = "./cmd/splload"
)

// Build compiles the splload binary into bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", binaryDir, err)
	}
	out := filepath.Join(binaryDir, binaryName)
	return sh.RunV(binGo, "build", "-o", out, cmdDir)
}

// Install copies the built binary into GOPATH/bin.
func Install() error {
	mg.Deps(Build)

	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return fmt.Errorf("resolving GOPATH: %w", err)
	}
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, filepath.Join(binaryDir, binaryName))
}

// Test runs every package test with race detection.
func Test() error {
	return sh.RunV(binGo, "test", "-race", "./...")
}

// Lint runs golangci-lint over the module.
func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
}

// Vet runs go vet over the module.
func Vet() error {
	return sh.RunV(binGo, "vet", "./...")
}

// Clean removes build output.
func Clean() error {
	return sh.Rm(binaryDir)
}
