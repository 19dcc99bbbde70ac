// Package server assembles a muCore node. It loads the world topology,
// creates the persistence sink (in memory or a Dragonboat replica of the
// raft sink), the persistence pipeline, the session token service and the
// orchestrator, and then serves the TCP/UDP gateway, the optional WebSocket
// gateway and the optional admin HTTP server.
//
// Usage Example:
//
//	config := common.DefaultServerConfig()
//	config.AuthSecret = os.Getenv("MUCORE_AUTH_SECRET")
//
//	// Run blocks until SIGINT or SIGTERM, Serve(ctx) until ctx is done
//	if err := server.NewServer(config).Run(); err != nil {
//		log.Fatalf("Server error: %v", err)
//	}
//
// Stopping the server stops all listeners, drains every map server and
// flushes the persistence pipeline before Serve returns.
package server
