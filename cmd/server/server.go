package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"luxmap/internal/app"
	"luxmap/internal/events"
	"luxmap/internal/utils"
	"luxmap/pkg/agents"
	"luxmap/pkg/config"
	"luxmap/pkg/database"
	unifiedevents "luxmap/pkg/events"
)

// ServerCmd represents the server command
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the research HTTP API",
	Long: `Start the HTTP API that runs planning turns and research pipelines in the
background and exposes their progress through polling observers.

The server provides:
- REST endpoints for research sessions, messages and reports
- Polling API for event retrieval
- SQLite persistence of sessions, events and reports

Examples:
  luxmap server                         # Start on the default port
  luxmap server --port 9000             # Start on a custom port
  luxmap server --cors-origins "*"      # Enable CORS for all origins`,
	RunE: runServer,
}

// ResearchAPI serves the research sessions.
type ResearchAPI struct {
	config  config.ServerConfiguration
	agent   agents.Agent
	db      database.Database
	logger  utils.ExtendedLogger
	emitter unifiedevents.Emitter

	// Polling system components
	eventStore      *events.EventStore
	observerManager *events.ObserverManager

	// Live sessions: sessionID -> in-memory session
	sessions   map[string]*agents.Session
	sessionMux sync.Mutex

	// Running turns: sessionID -> cancel func
	cancelFuncs map[string]context.CancelFunc
	cancelMux   sync.Mutex
	running     sync.WaitGroup

	validate *validator.Validate
}

// NewResearchAPI creates the API. agent is normally the interactive planner.
func NewResearchAPI(cfg config.ServerConfiguration, agent agents.Agent, db database.Database, logger utils.ExtendedLogger) *ResearchAPI {
	eventStore := events.NewEventStore(cfg.MaxEvents)
	observerManager := events.NewObserverManager(eventStore, logger)

	return &ResearchAPI{
		config:          cfg,
		agent:           agent,
		db:              db,
		logger:          logger,
		emitter:         unifiedevents.MultiEmitter{observerManager, database.NewEventDatabaseObserver(db, logger)},
		eventStore:      eventStore,
		observerManager: observerManager,
		sessions:        make(map[string]*agents.Session),
		cancelFuncs:     make(map[string]context.CancelFunc),
		validate:        validator.New(),
	}
}

// Router builds the HTTP routes.
func (api *ResearchAPI) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(api.corsMiddleware)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/health", api.handleHealth).Methods("GET")

	// Research sessions
	apiRouter.HandleFunc("/sessions", api.handleCreateSession).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/sessions", api.handleListSessions).Methods("GET")
	apiRouter.HandleFunc("/sessions/{session_id}", api.handleGetSession).Methods("GET")
	apiRouter.HandleFunc("/sessions/{session_id}", api.handleDeleteSession).Methods("DELETE", "OPTIONS")
	apiRouter.HandleFunc("/sessions/{session_id}/messages", api.handleSendMessage).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/sessions/{session_id}/stop", api.handleStopSession).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/sessions/{session_id}/report", api.handleGetReport).Methods("GET")
	apiRouter.HandleFunc("/sessions/{session_id}/events", api.handleGetSessionEvents).Methods("GET")

	// Polling API routes (from polling.go)
	apiRouter.HandleFunc("/observer/register", api.handleRegisterObserver).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/observer/{observer_id}/events", api.handleGetEvents).Methods("GET")
	apiRouter.HandleFunc("/observer/{observer_id}/status", api.handleGetObserverStatus).Methods("GET")
	apiRouter.HandleFunc("/observer/{observer_id}", api.handleRemoveObserver).Methods("DELETE", "OPTIONS")

	return router
}

// Wait blocks until every background turn has finished.
func (api *ResearchAPI) Wait() {
	api.running.Wait()
}

// Shutdown cancels running turns, waits for them and stops the event store.
func (api *ResearchAPI) Shutdown() {
	api.cancelMux.Lock()
	for sessionID, cancel := range api.cancelFuncs {
		api.logger.Infof("⏹️ Cancelling running turn of session %s", sessionID)
		cancel()
	}
	api.cancelMux.Unlock()

	api.Wait()
	api.eventStore.Stop()
}

func init() {
	ServerCmd.Flags().StringP("port", "p", config.DefaultPort, "Server port")
	ServerCmd.Flags().StringSlice("cors-origins", []string{"*"}, "CORS allowed origins")
	ServerCmd.Flags().String("db-path", config.DefaultDatabasePath, "SQLite database path")
	ServerCmd.Flags().Int("max-events", 1000, "Events kept per polling observer")

	_ = viper.BindPFlag("port", ServerCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("cors_origins", ServerCmd.Flags().Lookup("cors-origins"))
	_ = viper.BindPFlag("db_path", ServerCmd.Flags().Lookup("db-path"))
	_ = viper.BindPFlag("max_events", ServerCmd.Flags().Lookup("max-events"))
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(ctx, viper.GetViper(), app.Options{Stdout: true, ResolveProject: config.DefaultCredentialsProject})
	if err != nil {
		return err
	}
	defer a.Close()

	db, err := a.OpenDatabase()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	api := NewResearchAPI(a.Config.Server, a.Planner, db, a.Logger)

	stopCleanup := make(chan struct{})
	go api.cleanupObservers(stopCleanup, 30*time.Minute)

	srv := &http.Server{
		Addr:              ":" + a.Config.Server.Port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       300 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	a.Logger.Infof("✅ Server started on :%s", a.Config.Server.Port)
	a.Logger.Infof("📡 Polling API: http://localhost:%s/api/observer/{observer_id}/events", a.Config.Server.Port)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
	case err := <-serveErr:
		close(stopCleanup)
		return fmt.Errorf("server failed: %w", err)
	}

	a.Logger.Infof("🛑 Shutting down server...")
	close(stopCleanup)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Errorf("Server forced to shutdown: %v", err)
	}
	api.Shutdown()

	a.Logger.Infof("✅ Server shutdown complete")
	return nil
}

func (api *ResearchAPI) cleanupObservers(stop <-chan struct{}, maxInactive time.Duration) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			api.observerManager.CleanupInactiveObservers(maxInactive)
		}
	}
}

// CORS middleware
func (api *ResearchAPI) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range api.config.CORSOrigins {
			if allowed == "*" || allowed == origin {
				if origin == "" {
					origin = "*"
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Session-ID, X-Observer-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Health check endpoint
func (api *ResearchAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	dbStatus := "ok"
	if err := api.db.Ping(r.Context()); err != nil {
		status, code, dbStatus = "degraded", http.StatusServiceUnavailable, err.Error()
	}

	api.cancelMux.Lock()
	running := len(api.cancelFuncs)
	api.cancelMux.Unlock()

	writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"time":           time.Now(),
		"database":       dbStatus,
		"running_turns":  running,
		"observer_stats": api.observerManager.GetObserverStats(),
		"event_stats":    api.eventStore.GetStats(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
