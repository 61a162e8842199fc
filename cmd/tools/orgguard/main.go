package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// orgguard scans migration files and ensures every business table carries an
// org_id column, so no aggregate can silently escape tenant scoping.
// Child tables reached through an org-scoped parent are exempt.
// Exit code 0 = ok, 1 = violation, 2 = other error.
func main() {
	root := "migrations"
	if len(os.Args) > 1 {
		root = os.Args[1]
	}
	deny, err := scan(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orgguard error: %v\n", err)
		os.Exit(2)
	}
	if len(deny) > 0 {
		for _, v := range deny {
			fmt.Fprintf(os.Stderr, "VIOLATION: %s\n", v)
		}
		os.Exit(1)
	}
	fmt.Println("orgguard: OK")
}

// Tables scoped through their parent aggregate, plus platform-level catalogs.
var exempt = map[string]bool{
	"plans":                  true,
	"orgs":                   true,
	"signers":                true,
	"signature_certificates": true,
	"ab_variants":            true,
	"ab_assignments":         true,
	"promo_redemptions":      true,
	"webhook_deliveries":     true,
	"schema_migrations":      true,
}

var reCreateTable = regexp.MustCompile(`(?is)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([a-z_]+)\s*\((.*?)\);`)

func scan(dir string) ([]string, error) {
	var violations []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return nil
		}
		vs, err := checkFile(path)
		if err != nil {
			return err
		}
		violations = append(violations, vs...)
		return nil
	})
	return violations, err
}

func checkFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var violations []string
	for _, m := range reCreateTable.FindAllStringSubmatch(string(raw), -1) {
		table, body := m[1], m[2]
		if exempt[table] {
			continue
		}
		if !strings.Contains(strings.ToLower(body), "org_id") {
			violations = append(violations, fmt.Sprintf("%s: table %s has no org_id column", path, table))
		}
	}
	return violations, nil
}
