package main

import "alpacon-mcp/cmd"

// version is overridden at release time via
// -ldflags "-X main.version=v1.2.3".
var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
