// Package main is the entry point for the modelsync CLI.
//
// The same binary runs the HTTP service, the MCP stdio server and a set of
// one-shot commands that operate on the local data directory:
//
//	modelsync serve                 run the REST API and webhook receiver
//	modelsync mcp                   serve MCP tools on stdin/stdout
//	modelsync commit <iri>          publish a linked package
//	modelsync package add|list      manage the package registry
//	modelsync merge ...             create, inspect and finalize merge states
//	modelsync link create|remove    create or drop a package's remote repository
//	modelsync token set|delete      manage credentials in the OS credential store
//
// Configuration is read from the standard config path (see internal/config);
// --config points at another file.
package main

import (
	"context"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
