// Command mcpmanagerd runs an MCPManager dispatcher behind an HTTP façade:
// POST /submit to place a task, GET /result/{id} to retrieve its outcome,
// GET /stats and GET /health for observability, GET /metrics for
// Prometheus scraping, and POST /debug/kill-worker for manually exercising
// salvage — the same debug-endpoint shape the teacher repo exposes for
// crash-testing sessions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relaycore/mcpmanager"
)

var (
	configPath  string
	weightsPath string
	logLevel    string
	logJSON     bool

	listenAddr string
	binaryPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mcpmanagerd",
	Short: "mcpmanagerd runs the MCPManager weighted-load task dispatcher",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "output logs as JSON")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().StringVar(&configPath, "config", "", "path to dispatcher config YAML (defaults applied if omitted)")
	serveCmd.Flags().StringVar(&weightsPath, "weights", "", "path to weight-table YAML")
	serveCmd.Flags().StringVar(&listenAddr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&binaryPath, "binary", "", "path to the external tool-execution process binary spawned per worker")
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level := mcpmanager.LogLevelInfo
	switch logLevel {
	case "debug":
		level = mcpmanager.LogLevelDebug
	case "warn":
		level = mcpmanager.LogLevelWarn
	case "error":
		level = mcpmanager.LogLevelError
	}
	mcpmanager.InitLogging(mcpmanager.LogConfig{Level: level, JSON: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the dispatcher and its HTTP façade",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := mcpmanager.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = mcpmanager.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	weights := mcpmanager.NewWeightTable(nil, 1)
	if weightsPath != "" {
		var err error
		weights, err = mcpmanager.LoadWeightTable(weightsPath)
		if err != nil {
			return fmt.Errorf("load weight table: %w", err)
		}
	}

	var factory mcpmanager.TransportFactory
	if binaryPath != "" {
		factory = mcpmanager.NewProcessTransportFactory(binaryPath, nil, 5*time.Second)
	} else {
		factory = mcpmanager.NewFakeTransportFactory(mcpmanager.FakeBehavior{Value: "ok"}, nil)
	}

	dispatcher, err := mcpmanager.New(cfg, weights, factory)
	if err != nil {
		return fmt.Errorf("construct dispatcher: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	reg := prometheus.NewRegistry()
	_ = mcpmanager.RegisterMetrics(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/submit", handleSubmit(dispatcher))
	mux.HandleFunc("/result/", handleResult(dispatcher))
	mux.HandleFunc("/stats", handleStats(dispatcher))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/kill-worker", handleKillWorker(dispatcher))

	srv := &http.Server{Addr: listenAddr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		mcpmanager.Logger.Info().Msg("shutting down")
		_ = dispatcher.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	mcpmanager.Logger.Info().Str("addr", listenAddr).Msg("mcpmanagerd listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

type submitRequest struct {
	Tool           string `json:"tool"`
	Args           any    `json:"args"`
	Priority       bool   `json:"priority,omitempty"`
	WeightOverride *int   `json:"weight_override,omitempty"`
}

func handleSubmit(d *mcpmanager.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}

		id, err := d.Submit(r.Context(), req.Tool, req.Args, mcpmanager.SubmitOptions{
			Priority:       req.Priority,
			WeightOverride: req.WeightOverride,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	}
}

func handleResult(d *mcpmanager.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/result/"):]
		if id == "" {
			http.Error(w, "task id required", http.StatusBadRequest)
			return
		}

		block := r.URL.Query().Get("block") == "true"
		timeout := time.Duration(0)
		if s := r.URL.Query().Get("timeout_seconds"); s != "" {
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				timeout = time.Duration(secs * float64(time.Second))
			}
		}

		value, err := d.GetResult(r.Context(), id, block, timeout)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": value})
	}
}

func handleStats(d *mcpmanager.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.Stats())
	}
}

// handleKillWorker is the fault-injection debug endpoint carried forward
// from the teacher's /debug/crash-worker — it kills the transport backing
// a worker id directly, for manually exercising salvage.
func handleKillWorker(d *mcpmanager.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("worker_id")
		if id == "" {
			http.Error(w, "worker_id required", http.StatusBadRequest)
			return
		}
		if err := d.KillWorker(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "worker killed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := mcpmanager.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case mcpmanager.CodeTimeout:
		status = http.StatusGatewayTimeout
	case mcpmanager.CodeClientDead:
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"err": err.Error(), "code": code})
}
