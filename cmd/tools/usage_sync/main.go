package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paveline/backend-pavedeck/internal/config"
)

// usage_sync recounts billable activity from source tables and repairs the
// live usage counters when they have drifted. Counters drift when a process
// dies between the write and the increment; this tool is the recovery path.
func main() {
	var (
		orgSlug = flag.String("org", "", "restrict the sync to a single org slug")
		dryRun  = flag.Bool("dry-run", false, "print corrections without mutating data")
	)
	flag.Parse()

	baseCtx := context.Background()
	connectCtx, cancel := context.WithTimeout(baseCtx, 10*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatal("DATABASE_URL is required")
	}

	pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(connectCtx); err != nil {
		log.Fatalf("ping database: %v", err)
	}

	orgs, err := listOrgs(baseCtx, pool, *orgSlug)
	if err != nil {
		log.Fatalf("list orgs: %v", err)
	}
	if len(orgs) == 0 {
		log.Println("no orgs matched; nothing to do")
		return
	}

	for _, o := range orgs {
		if err := syncOrg(baseCtx, pool, o, *dryRun); err != nil {
			log.Fatalf("sync org %s: %v", o.Slug, err)
		}
	}
	log.Println("usage sync complete")
}

type orgRef struct {
	ID   string
	Slug string
}

func listOrgs(ctx context.Context, pool *pgxpool.Pool, slug string) ([]orgRef, error) {
	q := `SELECT id, slug FROM orgs ORDER BY slug`
	args := []any{}
	if strings.TrimSpace(slug) != "" {
		q = `SELECT id, slug FROM orgs WHERE slug = $1`
		args = append(args, strings.TrimSpace(slug))
	}
	rows, err := pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []orgRef
	for rows.Next() {
		var o orgRef
		if err := rows.Scan(&o.ID, &o.Slug); err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

func syncOrg(ctx context.Context, pool *pgxpool.Pool, o orgRef, dryRun bool) error {
	var periodStart time.Time
	var recorded int64
	err := pool.QueryRow(ctx, `
        INSERT INTO usage_counters (org_id, period_start)
        VALUES ($1, date_trunc('month', now()))
        ON CONFLICT (org_id) DO UPDATE SET org_id = usage_counters.org_id
        RETURNING period_start, proposals`, o.ID,
	).Scan(&periodStart, &recorded)
	if err != nil {
		return err
	}

	var actual int64
	err = pool.QueryRow(ctx, `
        SELECT count(*) FROM proposals
        WHERE org_id = $1 AND created_at >= $2`, o.ID, periodStart,
	).Scan(&actual)
	if err != nil {
		return err
	}

	if recorded == actual {
		log.Printf("org %s: proposals counter in sync (%d)", o.Slug, recorded)
		return nil
	}

	log.Printf("org %s: proposals counter %d, actual %d", o.Slug, recorded, actual)
	if dryRun {
		return nil
	}

	_, err = pool.Exec(ctx, `
        UPDATE usage_counters SET proposals = $2, updated_at = now()
        WHERE org_id = $1`, o.ID, actual)
	return err
}
