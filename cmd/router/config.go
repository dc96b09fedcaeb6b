package main

import (
	"flag"
	"time"
)

// config holds the flag-based configuration from spec.md §6's configuration
// table, parsed with a dedicated flag.FlagSet over the given arguments (the
// teacher's examples/logging-middleware/main.go uses package-level flag.*
// variables instead).
type config struct {
	listenAddr          string
	requestTimeout      time.Duration
	keepaliveInterval   time.Duration
	maxBufferedBytes    int64
	streamQueueDepth    int
	maxChunkSize        int64
	objectStoreURL      string
	objectStoreBucket   string
	objectStoreAccess   string
	objectStoreSecret   string
	objectStoreUseSSL   bool
	logFormat           string
}

func parseConfig(args []string) (*config, error) {
	fs := flag.NewFlagSet("router", flag.ContinueOnError)

	listenAddr := fs.String("listen_addr", ":8080", "address to listen on")
	requestTimeoutS := fs.Float64("request_timeout_s", 60, "default Application request deadline, in seconds")
	keepaliveIntervalS := fs.Float64("keepalive_interval_s", 15, "Connector heartbeat interval, in seconds")
	maxBufferedBytes := fs.Int64("max_buffered_bytes", 256<<20, "pattern A upper bound on a buffered dataset, in bytes")
	streamQueueDepth := fs.Int("stream_queue_depth", 16, "pattern B bounded chunk queue depth, in records")
	maxChunkSize := fs.Int64("max_chunk_size", 4<<20, "pattern B upper bound on a single chunk, in bytes")
	objectStoreURL := fs.String("object_store_url", "", "Object Store endpoint used for the readiness probe (empty disables it)")
	objectStoreBucket := fs.String("object_store_bucket", "datasets", "Object Store bucket checked by the readiness probe")
	objectStoreAccess := fs.String("object_store_access_key", "", "Object Store access key")
	objectStoreSecret := fs.String("object_store_secret_key", "", "Object Store secret key")
	objectStoreUseSSL := fs.Bool("object_store_use_ssl", false, "use TLS when contacting the Object Store")
	logFormat := fs.String("log_format", "text", "log output format: json or text")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return &config{
		listenAddr:        *listenAddr,
		requestTimeout:    time.Duration(*requestTimeoutS * float64(time.Second)),
		keepaliveInterval: time.Duration(*keepaliveIntervalS * float64(time.Second)),
		maxBufferedBytes:  *maxBufferedBytes,
		streamQueueDepth:  *streamQueueDepth,
		maxChunkSize:      *maxChunkSize,
		objectStoreURL:    *objectStoreURL,
		objectStoreBucket: *objectStoreBucket,
		objectStoreAccess: *objectStoreAccess,
		objectStoreSecret: *objectStoreSecret,
		objectStoreUseSSL: *objectStoreUseSSL,
		logFormat:         *logFormat,
	}, nil
}
