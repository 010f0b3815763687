package server

// Version is reported to clients and by the CLI. Overridden at link time.
var Version = "go-ircd-dev"
