// Command seed creates a local development tenant and a few sample workflows.
package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"aerostic/backend/internal/config"
	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/logging"
	"aerostic/backend/internal/repository"
	"aerostic/backend/internal/workflowfile"
	"aerostic/backend/pkg/models"
)

//go:embed workflows/*.yaml
var sampleWorkflows embed.FS

func main() {
	configPath := flag.String("config", "", "Path to config file")
	domain := flag.String("domain", "localhost", "Domain of the tenant to seed")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	defer logger.Sync()

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	tenant, err := ensureTenant(ctx, store, *domain, logger)
	if err != nil {
		log.Fatalf("Failed to prepare tenant: %v", err)
	}

	created, err := seedWorkflows(ctx, store, tenant.ID, sampleWorkflows, logger)
	if err != nil {
		log.Fatalf("Failed to seed workflows: %v", err)
	}
	logger.Info("Seeding complete!", "tenant_id", tenant.ID, "created", created)
}

func ensureTenant(ctx context.Context, store repository.TenantStore, domain string, logger *logging.Logger) (*models.Tenant, error) {
	tenant, err := store.GetTenantByDomain(ctx, domain)
	if err == nil {
		logger.Info("Found existing tenant", "id", tenant.ID)
		return tenant, nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}

	logger.Info("Creating default tenant", "domain", domain)
	tenant = &models.Tenant{Name: "Local Dev Tenant", Domain: domain}
	if err := store.CreateTenant(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

// seedWorkflows creates every workflow file in fsys whose name the tenant
// does not already use and returns how many were created.
func seedWorkflows(ctx context.Context, store repository.WorkflowStore, tenantID string, fsys fs.FS, logger *logging.Logger) (int, error) {
	existing, err := store.ListWorkflows(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to list existing workflows: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, w := range existing {
		names[w.Name] = true
	}

	files, err := fs.Glob(fsys, "workflows/*.yaml")
	if err != nil {
		return 0, err
	}

	created := 0
	for _, file := range files {
		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return created, err
		}
		wf, err := workflowfile.Parse(data)
		if err != nil {
			return created, fmt.Errorf("%s: %w", file, err)
		}
		if names[wf.Name] {
			logger.Info("Skipping existing workflow", "name", wf.Name)
			continue
		}
		if err := workflowfile.Validate(wf); err != nil {
			return created, fmt.Errorf("%s: %w", file, err)
		}

		wf.TenantID = tenantID
		if err := store.CreateWorkflow(ctx, wf); err != nil {
			logger.Error("Failed to create workflow", "name", wf.Name, "error", err)
			continue
		}
		names[wf.Name] = true
		created++
		logger.Info("Seeded workflow", "name", wf.Name, "id", wf.ID)
	}
	return created, nil
}
