package main

import "time"

// Sources for the change feed (REALTIME_SOURCE).
const (
	realtimeLocal    = "local"
	realtimePostgres = "postgres"
)

const (
	mirrorJobsLimit   = 50
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

