package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/shipitai/mechanic/config"
	"github.com/shipitai/mechanic/github"
	"github.com/shipitai/mechanic/llm"
	"github.com/shipitai/mechanic/review"
	"github.com/shipitai/mechanic/storage"
)

// GitHub caps webhook payloads at 25 MB.
const maxPayloadSize = 25 << 20

var validateLLM bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Listen for GitHub webhooks and review every pushed commit",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&validateLLM, "validate-llm", false, "Make a minimal model call at startup and exit if it fails")
}

// deliveryHandler runs one normalized delivery to its terminal state.
type deliveryHandler interface {
	Handle(ctx context.Context, deliveryID string, event github.RepositoryEvent) *review.Outcome
}

type server struct {
	logger   *slog.Logger
	webhooks *github.WebhookHandler
	reviewer deliveryHandler
	installs storage.Storage

	// baseCtx is the parent of every delivery; canceling it aborts them all.
	baseCtx context.Context
	timeout time.Duration
	wg      sync.WaitGroup
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stdout, true)

	settings, err := loadSettings(true)
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if settings.WebhookSecret == "" {
		logger.Warn("GITHUB_WEBHOOK_SECRET is not set, webhook signatures will not be verified")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	model, modelName := newCompleter(settings.LLM)
	if validateLLM {
		validateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := llm.Validate(validateCtx, model)
		cancel()
		if err != nil {
			return err
		}
		logger.Info("validated model credentials", "provider", settings.LLM.Provider, "model", modelName)
	}

	broker, client, err := newGitHub(settings, logger)
	if err != nil {
		return err
	}

	stores, err := openBackends(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	reviewer := review.NewReviewer(
		broker,
		github.NewDiffRetriever(client, logger),
		review.NewPipeline(model, logger),
		review.NewCommentPublisher(client, logger),
		logger,
	)
	reviewer.SetConfigLoader(config.NewLoader(client, logger))
	reviewer.SetStorage(stores.store)
	reviewer.SetInFlight(stores.inflight, settings.InFlightTTL)

	baseCtx, cancelDeliveries := context.WithCancel(context.Background())
	defer cancelDeliveries()

	srv := &server{
		logger:   logger,
		webhooks: github.NewWebhookHandler(settings.WebhookSecret),
		reviewer: reviewer,
		installs: stores.store,
		baseCtx:  baseCtx,
		timeout:  settings.DeliveryTimeout,
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(settings.Port),
		Handler:      srv.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("initialized",
		"app_id", settings.AppID,
		"provider", settings.LLM.Provider,
		"model", modelName,
		"key_hint", llm.ExtractKeyHint(settings.LLM.APIKey),
		"requests_per_minute", settings.LLM.RequestsPerMinute,
	)

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", settings.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-done:
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}

	cancelDeliveries()
	srv.wait(shutdownCtx)
	return nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/github", s.handleWebhook)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/", handleRoot)
	return mux
}

// wait blocks until every running delivery has finished or ctx ends.
func (s *server) wait(ctx context.Context) {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		s.logger.Warn("deliveries still running at exit")
	}
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{
		"name":    "mechanic",
		"status":  "running",
		"version": version,
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		s.logger.Error("failed to read body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	deliveryID := r.Header.Get(github.HeaderDelivery)
	if deliveryID == "" {
		deliveryID = xid.New().String()
	}
	eventType := r.Header.Get(github.HeaderEvent)
	logger := s.logger.With("delivery_id", deliveryID, "event", eventType)
	logger.Info("received webhook", "size", len(payload))

	if s.webhooks.VerifiesSignatures() {
		if err := s.webhooks.VerifySignature(payload, r.Header.Get(github.HeaderSignature)); err != nil {
			logger.Error("signature verification failed", "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	switch eventType {
	case "ping":
		logger.Info("received ping")
		jsonResponse(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	case "installation":
		s.handleInstallation(r.Context(), logger, payload)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "installation recorded"})
		return
	}

	event := github.NormalizeEvent(r.Header, payload)

	jsonResponse(w, http.StatusAccepted, map[string]string{
		"message":     "review started",
		"delivery_id": deliveryID,
	})

	s.dispatch(deliveryID, event)
}

// dispatch runs the delivery in the background under the server's base context.
func (s *server) dispatch(deliveryID string, event github.RepositoryEvent) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
		defer cancel()

		s.reviewer.Handle(ctx, deliveryID, event)
	}()
}

func (s *server) handleInstallation(ctx context.Context, logger *slog.Logger, payload []byte) {
	event, err := s.webhooks.ParseInstallationEvent(payload)
	if err != nil {
		logger.Error("failed to parse installation event", "error", err)
		return
	}
	logger = logger.With("action", event.Action, "installation_id", event.Installation.ID)

	if event.Action != "created" && event.Action != "unsuspend" {
		logger.Info("ignoring installation action")
		return
	}

	install := &storage.Installation{
		InstallationID: event.Installation.ID,
		InstalledAt:    time.Now().UTC().Format(time.RFC3339),
	}

	// an unsuspended installation keeps its original install time
	existing, err := s.installs.GetInstallation(ctx, event.Installation.ID)
	if err != nil {
		logger.Warn("failed to look up installation", "error", err)
	} else if existing != nil {
		logger.Info("installation already known", "installed_at", existing.InstalledAt)
		install.InstalledAt = existing.InstalledAt
	}
	if acct := event.Installation.Account; acct != nil {
		install.AccountID = acct.ID
		install.OrgLogin = acct.Login
	}
	if event.Sender != nil {
		install.InstalledBy = event.Sender.Login
	}

	if err := s.installs.SaveInstallation(ctx, install); err != nil {
		logger.Error("failed to save installation", "error", err)
		return
	}
	logger.Info("saved installation", "org", install.OrgLogin)
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
