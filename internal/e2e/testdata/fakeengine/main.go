// fakeengine mimics the inference engine's server surface for end-to-end
// tests: it accepts the real launch flags, reports "loading model" for a
// short warmup, then serves health and completion endpoints until SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

func main() {
	var (
		model       = flag.String("model", "", "model path")
		host        = flag.String("host", "127.0.0.1", "listen host, or socket path when no port is given")
		port        = flag.String("port", "", "listen port")
		ctxSize     = flag.Uint64("ctx-size", 0, "context length")
		batchSize   = flag.Uint64("batch-size", 0, "batch size")
		ngl         = flag.Uint64("n-gpu-layers", 0, "offloaded layers")
		tensorSplit = flag.String("tensor-split", "", "per-device layer split")
		threads     = flag.Int("threads", 0, "thread count")
		warmup      = flag.Duration("warmup", 300*time.Millisecond, "time spent loading before health turns ok")
	)
	flag.Parse()
	_ = tensorSplit
	_ = threads
	_ = ngl

	if *model == "" {
		log.Fatal("fakeengine: --model is required")
	}
	if _, err := os.Stat(*model); err != nil {
		log.Fatalf("fakeengine: model not readable: %v", err)
	}

	var ready atomic.Bool
	time.AfterFunc(*warmup, func() { ready.Store(true) })

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"loading model"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"invalid json"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   *model,
			"ctx":     *ctxSize,
			"batch":   *batchSize,
			"echo":    req["prompt"],
			"content": "ok",
		})
	})

	// A bare port means unix socket mode with the socket path in --host.
	var ln net.Listener
	var err error
	if *port == "" {
		ln, err = net.Listen("unix", *host)
	} else {
		ln, err = net.Listen("tcp", net.JoinHostPort(*host, *port))
	}
	if err != nil {
		log.Fatalf("fakeengine: listen: %v", err)
	}

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("fakeengine: serve: %v", err)
		}
	}()
	fmt.Printf("fakeengine listening model=%s\n", *model)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
