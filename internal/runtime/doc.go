// Package runtime wires storage, config, and the services into a single-node
// strand instance. It exposes Open/Close, a basic health check, and accessors
// for the connection, conversation, and notification services.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeAlways,
//	    Config:  cfg,
//	    Sender:  hub,
//	})
//	defer rt.Close()
//	go rt.Run(ctx)
package runtime
