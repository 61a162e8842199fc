// Seeder loads the default service catalog, demo organisation and a set of
// discounts so a fresh environment can price proposals immediately. Safe to
// run repeatedly; every statement upserts.
package main

import (
	"database/sql"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	seedServiceCatalog(db)
	orgID := seedDemoOrg(db)
	seedLoyaltyTiers(db, orgID)
	seedPromoCodes(db, orgID)
	seedVolumeRules(db, orgID)

	log.Println("Seeding completed successfully!")
}

// seedServiceCatalog installs the platform default services (org_id NULL).
// Orgs override individual rows by inserting the same id with their org_id.
func seedServiceCatalog(db *sql.DB) {
	services := []struct {
		ID            string
		Name          string
		Unit          string
		QuantityField string
		UnitPrice     float64
	}{
		{"sealcoating", "Sealcoating", "sqft", "net_sqft", 0.20},
		{"crack_filling", "Crack Filling", "lf", "crack_linear_feet", 1.75},
		{"oil_spot_treatment", "Oil Spot Treatment", "spot", "oil_spot_count", 15.00},
		{"line_striping", "Line Striping", "lf", "striping_linear_feet", 0.85},
		{"stall_repaint", "Parking Stall Repaint", "stall", "parking_stall_count", 6.50},
	}

	log.Println("Seeding service catalog...")
	for _, s := range services {
		_, err := db.Exec(`
			INSERT INTO service_defs (id, org_id, name, unit, quantity_field, unit_price, active)
			VALUES ($1, NULL, $2, $3, $4, $5, true)
			ON CONFLICT (id, org_id) DO UPDATE SET
				name = EXCLUDED.name,
				unit = EXCLUDED.unit,
				quantity_field = EXCLUDED.quantity_field,
				unit_price = EXCLUDED.unit_price;
		`, s.ID, s.Name, s.Unit, s.QuantityField, s.UnitPrice)
		if err != nil {
			log.Printf("Failed to seed service %s: %v", s.ID, err)
		}
	}
}

func seedDemoOrg(db *sql.DB) string {
	log.Println("Seeding demo organisation...")
	var orgID string
	err := db.QueryRow(`
		INSERT INTO orgs (slug, name, plan_id, tax_rate, deposit_percent, approval_percent)
		VALUES ('demo', 'Demo Paving Co', 'pro', 0.08, 25.0, 20.0)
		ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
		RETURNING id;
	`).Scan(&orgID)
	if err != nil {
		log.Fatalf("Failed to seed demo org: %v", err)
	}

	_, err = db.Exec(`
		INSERT INTO usage_counters (org_id, period_start)
		VALUES ($1, date_trunc('month', now()))
		ON CONFLICT (org_id) DO NOTHING;
	`, orgID)
	if err != nil {
		log.Printf("Failed to seed usage counters: %v", err)
	}

	log.Printf("Using Org ID: %s", orgID)
	return orgID
}

func seedLoyaltyTiers(db *sql.DB, orgID string) {
	tiers := []struct {
		Tier    string
		Percent float64
	}{
		{"bronze", 2},
		{"silver", 5},
		{"gold", 8},
		{"platinum", 10},
	}

	log.Println("Seeding loyalty tiers...")
	for _, t := range tiers {
		_, err := db.Exec(`
			INSERT INTO loyalty_tiers (org_id, tier, discount_percent)
			VALUES ($1, $2, $3)
			ON CONFLICT (org_id, tier) DO UPDATE SET discount_percent = EXCLUDED.discount_percent;
		`, orgID, t.Tier, t.Percent)
		if err != nil {
			log.Printf("Failed to seed loyalty tier %s: %v", t.Tier, err)
		}
	}
}

func seedPromoCodes(db *sql.DB, orgID string) {
	promos := []struct {
		Code        string
		Name        string
		Type        string
		Value       float64
		MinOrder    float64
		MaxUses     sql.NullInt32
		Restriction string
	}{
		{"SAVE10", "10% Off", "percent", 10, 500, sql.NullInt32{Int32: 100, Valid: true}, "none"},
		{"WELCOME15", "New Customer 15% Off", "percent", 15, 0, sql.NullInt32{}, "new_customers_only"},
		{"FLAT50", "$50 Off Large Jobs", "fixed_amount", 50, 1000, sql.NullInt32{}, "none"},
	}

	log.Println("Seeding promo codes...")
	for _, p := range promos {
		_, err := db.Exec(`
			INSERT INTO promo_codes (org_id, code, name, discount_type, discount_value, min_order_amount, max_uses_total, customer_restriction, starts_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now() + INTERVAL '1 year')
			ON CONFLICT (org_id, code) DO NOTHING;
		`, orgID, p.Code, p.Name, p.Type, p.Value, p.MinOrder, p.MaxUses, p.Restriction)
		if err != nil {
			log.Printf("Failed to seed promo %s: %v", p.Code, err)
		}
	}
}

func seedVolumeRules(db *sql.DB, orgID string) {
	log.Println("Seeding volume rules...")
	_, err := db.Exec(`
		INSERT INTO volume_rules (org_id, name, min_subtotal, discount_type, discount_value)
		SELECT $1, 'Large Job 5% Off', 5000, 'percent', 5
		WHERE NOT EXISTS (
			SELECT 1 FROM volume_rules WHERE org_id = $1 AND name = 'Large Job 5% Off'
		);
	`, orgID)
	if err != nil {
		log.Printf("Failed to seed volume rule: %v", err)
	}
}
