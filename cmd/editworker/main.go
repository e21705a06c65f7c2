// Command editworker runs one Edit Worker: a stateless pool member that
// claims exclusive responsibility for a (project, user) pair and serially
// executes site-editing instructions from that pair's work queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/webordinary/editworker/internal/callback"
	"github.com/webordinary/editworker/internal/claim"
	"github.com/webordinary/editworker/internal/events"
	"github.com/webordinary/editworker/internal/gitcreds"
	"github.com/webordinary/editworker/internal/identity"
	"github.com/webordinary/editworker/internal/preempt"
	"github.com/webordinary/editworker/internal/publish"
	"github.com/webordinary/editworker/internal/pump"
	"github.com/webordinary/editworker/internal/queue"
	"github.com/webordinary/editworker/internal/retrypolicy"
	"github.com/webordinary/editworker/internal/store"
	"github.com/webordinary/editworker/internal/workflow"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "version":
			fmt.Println("editworker " + version)
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "editworker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	overlay, err := identity.LoadConfig(os.Getenv("EDITWORKER_CONFIG"))
	if err != nil {
		return err
	}
	id, err := identity.Load(overlay)
	if err != nil {
		return err
	}
	logger = logger.With("worker_id", id.WorkerID)
	logger.Info("editworker starting", "version", version, "workspace_root", id.WorkspaceRoot)

	dbPath := os.Getenv("EDITWORKER_STATE_DB")
	if dbPath == "" {
		dbPath = filepath.Join(id.WorkspaceRoot, ".state", "editworker.db")
	}
	state, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer state.Close()

	redisAddr := os.Getenv("EDITWORKER_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()
	queues := queue.NewRedis(redisClient)

	orchestratorURL := os.Getenv("EDITWORKER_ORCHESTRATOR_URL")
	if orchestratorURL == "" {
		return fmt.Errorf("EDITWORKER_ORCHESTRATOR_URL is required")
	}
	gateway := callback.New(callback.Config{
		Client: callback.NewHTTPOrchestrator(orchestratorURL),
		Logger: logger,
	})

	// Token minting goes over the network; transient failures at boot are
	// retried rather than crash-looping the container.
	credentialHelper, err := retrypolicy.DoVal(ctx, func() (string, error) {
		return provisionCredentialHelper(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("provisioning git credential helper: %w", err)
	}

	publishRoot := os.Getenv("EDITWORKER_PUBLISH_ROOT")
	if publishRoot == "" {
		publishRoot = "/var/lib/editworker/sites"
	}
	publisher := publish.FilesystemStore{
		Root:    publishRoot,
		Exclude: []string{"**/*.map", "**/.DS_Store"},
	}

	manager := claim.New(claim.Config{
		WorkerID:           id.WorkerID,
		Unclaimed:          queues.Unclaimed(id.UnclaimedQueueURL),
		Claims:             state,
		LeaseDuration:      id.LeaseDuration,
		LeaseRefreshPeriod: id.LeaseRefreshPeriod,
		Logger:             logger,
		NewOwned: func(req queue.ClaimRequest) (claim.OwnedLoops, error) {
			return buildOwnedLoops(id, req, queues, state, gateway, publisher, credentialHelper, logger)
		},
	})

	err = manager.Run(ctx)
	logger.Info("editworker stopped")
	return err
}

// buildOwnedLoops wires a Workflow Runner, Work Pump, and Preemption
// Listener for one freshly claimed (project, user) pair.
func buildOwnedLoops(
	id identity.WorkerIdentity,
	req queue.ClaimRequest,
	queues *queue.Redis,
	state *store.Store,
	gateway *callback.Gateway,
	publisher publish.FilesystemStore,
	credentialHelper string,
	logger *slog.Logger,
) (claim.OwnedLoops, error) {
	logger = logger.With("project", req.Project, "user", req.User)

	logsDir := filepath.Join(id.WorkspaceRoot, req.Project, req.User, "logs")
	handler := events.NewFileHandler(logsDir)

	runner := workflow.New(workflow.Config{
		Project:          req.Project,
		User:             req.User,
		WorkspaceRoot:    id.WorkspaceRoot,
		CredentialHelper: credentialHelper,
		SiteBucket:       req.Project + "-edit-site",
		EditMaxTurns:     envInt("EDITWORKER_EDIT_MAX_TURNS", 0),
		Publisher:        publisher,
		PushEnabled:      id.PushEnabled,
		PushRetryCount:   id.PushRetryCount,
		AbortGracePeriod: id.AbortGracePeriod,
		EventHandler:     handler,
		Logger:           logger,
	})

	workPump := pump.New(pump.Config{
		Project:                req.Project,
		User:                   req.User,
		WorkerID:               id.WorkerID,
		Queue:                  queues.Work(req.Project, req.User, id.OwnedWorkQueueURLPattern),
		Jobs:                   state,
		Gateway:                gateway,
		Runner:                 runner,
		HeartbeatPeriod:        id.HeartbeatPeriod,
		VisibilityExtendPeriod: id.VisibilityExtendPeriod,
		Logger:                 logger,
	})

	listener := preempt.New(preempt.Config{
		Project: req.Project,
		User:    req.User,
		Queue:   queues.Interrupt(req.Project, req.User, id.OwnedInterruptQueueURLPattern),
		Pump:    workPump,
		Jobs:    state,
		Logger:  logger,
	})

	return claim.OwnedLoops{
		Pump: func(ctx context.Context) error {
			defer handler.Close()
			return workPump.Run(ctx)
		},
		Listener: listener.Run,
	}, nil
}

// provisionCredentialHelper resolves the push credential: a GitHub App
// installation (preferred) or the static token from the configuration, both
// written into a credential-helper script so pushes never prompt.
func provisionCredentialHelper(ctx context.Context, id identity.WorkerIdentity) (string, error) {
	helperPath := filepath.Join(id.WorkspaceRoot, ".credentials", "git-helper.sh")

	clientID := os.Getenv("EDITWORKER_GITHUB_CLIENT_ID")
	keyPath := os.Getenv("EDITWORKER_GITHUB_PRIVATE_KEY_PATH")
	if clientID != "" && keyPath != "" {
		installationID, err := strconv.ParseInt(os.Getenv("EDITWORKER_GITHUB_INSTALLATION_ID"), 10, 64)
		if err != nil {
			return "", fmt.Errorf("parsing EDITWORKER_GITHUB_INSTALLATION_ID: %w", err)
		}
		return gitcreds.InstallHelper(ctx, gitcreds.AppCredentials{
			ClientID:       clientID,
			InstallationID: installationID,
			PrivateKeyPath: keyPath,
		}, helperPath)
	}

	if id.GitCredential != "" {
		return gitcreds.InstallTokenHelper(id.GitCredential, helperPath)
	}

	// No credential configured: clones of public repositories still work,
	// pushes will fail with AuthError and surrender the claim.
	return "", nil
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
