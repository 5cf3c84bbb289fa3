// Command poseidond wires together the fiber scheduler, timer driver,
// worker pool, and DB daemon into one running process, exposing
// Prometheus metrics over HTTP. Config is read from the environment,
// the same way the teacher's control_plane/main.go builds its config
// map from os.Getenv before constructing any component.
package main

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kelpforge/poseidon/internal/config"
	"github.com/kelpforge/poseidon/internal/dbdaemon"
	"github.com/kelpforge/poseidon/internal/fiber"
	"github.com/kelpforge/poseidon/internal/fiberdemo"
	"github.com/kelpforge/poseidon/internal/timer"
	"github.com/kelpforge/poseidon/internal/worker"
)

func main() {
	cfg := config.New(envMap())

	fiberThreads := config.Clamp(cfg.GetInt("fiber.thread_count", 8), 1, 256)
	workerThreads := config.Clamp(cfg.GetInt("worker.thread_count", 1), 1, 256)

	log.Printf("poseidond: starting (fiber.thread_count=%d worker.thread_count=%d)", fiberThreads, workerThreads)

	drv := timer.NewDriver()
	defer drv.Stop()

	sched := fiber.New(fiberThreads)
	defer sched.Shutdown()

	pool := worker.New(workerThreads, worker.WithAdmissionGate(
		float64(cfg.GetInt("worker.admission_rate_per_sec", 1000)),
		cfg.GetInt("worker.admission_burst", 2000),
	))
	defer pool.Shutdown()

	var daemon *dbdaemon.Daemon
	if cfg.GetString("mysql_server_addr", "") != "" {
		shardCount := config.Clamp(cfg.GetInt("mysql_max_thread_count", 1), 1, 256)
		var err error
		daemon, err = dbdaemon.DialFromConfig(cfg, shardCount)
		if err != nil {
			log.Printf("poseidond: db daemon disabled: %v", err)
		} else {
			defer daemon.Stop()
			log.Printf("poseidond: db daemon up with %d shard(s)", daemon.ShardCount())
		}
	} else {
		log.Printf("poseidond: mysql_server_addr not set, db daemon disabled")
	}

	fiberdemo.TickingFiber(sched, drv, "heartbeat", time.Second, 0, true)

	http.Handle("/metrics", promhttp.Handler())
	addr := cfg.GetString("http.listen_addr", ":9090")
	log.Printf("poseidond: serving /metrics on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("poseidond: metrics server exited: %v", err)
	}
}

// envMap reads POSEIDON_-prefixed environment variables into a flat
// config.Map, translating POSEIDON_FIBER__THREAD_COUNT into
// fiber.thread_count the way the teacher's main.go lowercases and
// reshapes env vars into its config keys: a double underscore becomes
// a dot and single underscores are kept, so POSEIDON_MYSQL_SERVER_ADDR
// becomes mysql_server_addr.
func envMap() map[string]string {
	out := make(map[string]string)
	const prefix = "POSEIDON_"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		key = strings.ReplaceAll(key, "__", ".")
		key = strings.ReplaceAll(key, "_", "_")
		out[key] = parts[1]
	}
	return out
}
