package migrator

import (
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
)

// ParseMigration parses the contents of a single migration file.
// filename must follow the NNN_name.sql convention.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")

	upLine := -1
	noTransaction := false
	for i, line := range lines {
		if m := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			upLine = i
			noTransaction = strings.TrimSpace(m[1]) == "notransaction"
			break
		}
	}
	if upLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	// Directives may only appear between the Up marker and the first
	// statement; plain comments in that header are skipped.
	var dependencies []int
	sqlStart := len(lines)
	for i := upLine + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if m := dependsRegex.FindStringSubmatch(line); m != nil {
			deps := strings.Fields(m[1])
			if len(deps) == 0 {
				return nil, fmt.Errorf("empty dependency list in migration file: %s", filename)
			}
			for _, d := range deps {
				dep, err := strconv.Atoi(d)
				if err != nil {
					return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", d, filename)
				}
				dependencies = append(dependencies, dep)
			}
			continue
		}

		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		sqlStart = i
		break
	}

	var sql string
	if sqlStart < len(lines) {
		sql = strings.TrimSpace(strings.Join(lines[sqlStart:], "\n"))
	}
	if sql == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return &Migration{
		Version:       version,
		Name:          matches[2],
		UpSQL:         sql,
		NoTransaction: noTransaction,
		Dependencies:  dependencies,
	}, nil
}

// LoadMigrations reads every NNN_name.sql file at the root of fsys,
// validates the set and returns it sorted by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}

		migration, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := detectCycle(migrations); err != nil {
		return nil, err
	}

	versions := make(map[int]bool, len(migrations))
	for _, m := range migrations {
		versions[m.Version] = true
	}
	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versions[dep] {
				return nil, fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	// Versions must run 1..N with no gaps or duplicates.
	for i, m := range migrations {
		if i > 0 && migrations[i-1].Version == m.Version {
			return nil, fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		if m.Version != i+1 {
			return nil, fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
	}

	return migrations, nil
}

// detectCycle runs a three-colour DFS over the dependency graph.
func detectCycle(migrations []Migration) error {
	const (
		white = iota
		gray
		black
	)

	graph := make(map[int][]int, len(migrations))
	color := make(map[int]int, len(migrations))
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
		color[m.Version] = white
	}

	var visit func(node int, path []int) error
	visit = func(node int, path []int) error {
		color[node] = gray
		path = append(path, node)

		for _, dep := range graph[node] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("circular dependency detected: %v", append(path, dep))
			case white:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}

		color[node] = black
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == white {
			if err := visit(m.Version, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
