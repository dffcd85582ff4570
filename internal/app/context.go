package app

import (
	"context"
	"database/sql"
	"fmt"

	"teammanage/internal/config"
	"teammanage/internal/db"
	"teammanage/internal/domain"
	"teammanage/internal/engine"
	"teammanage/internal/migrate"
	"teammanage/internal/repo"
)

// Runtime bundles the open database, loaded config and engine for a
// workspace. Callers own Close.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares the workspace: ensures the data directory, opens the
// database, applies migrations and loads teammanage.yml when present.
func Open(workspace string) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Runtime{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

// ResolveProject picks the active project. An explicit id wins; otherwise
// a workspace holding exactly one project selects it implicitly.
func ResolveProject(ctx context.Context, r repo.Repo, override int64) (domain.Project, error) {
	if override > 0 {
		return r.GetProject(ctx, override)
	}
	items, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	switch len(items) {
	case 0:
		return domain.Project{}, fmt.Errorf("no projects yet; create one with tm project create")
	case 1:
		return items[0], nil
	default:
		return domain.Project{}, fmt.Errorf("multiple projects; use --project to pick one")
	}
}
