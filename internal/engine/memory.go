package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Memory is the testing-profile engine: an in-process table store that
// understands the statement shapes the WAL records (CREATE TABLE, INSERT,
// DROP TABLE, DELETE). Rows are kept as raw value-tuple text.
type Memory struct {
	mu     sync.RWMutex
	tables map[string][]string
}

func NewMemory() *Memory {
	return &Memory{tables: map[string][]string{}}
}

func (m *Memory) Apply(_ context.Context, stmt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt), ";"))
	upper := strings.ToUpper(s)

	switch {
	case strings.HasPrefix(upper, "CREATE TABLE"):
		name := tableName(s, "CREATE TABLE", "IF NOT EXISTS")
		if name == "" {
			return fmt.Errorf("memory engine: cannot parse %q", stmt)
		}
		if _, ok := m.tables[name]; ok && !strings.Contains(upper, "IF NOT EXISTS") {
			return fmt.Errorf("table %q already exists", name)
		}
		if _, ok := m.tables[name]; !ok {
			m.tables[name] = nil
		}

	case strings.HasPrefix(upper, "INSERT INTO"):
		name := tableName(s, "INSERT INTO", "")
		if name == "" {
			return fmt.Errorf("memory engine: cannot parse %q", stmt)
		}
		if _, ok := m.tables[name]; !ok {
			return fmt.Errorf("table %q does not exist", name)
		}
		rows, err := valueTuples(s)
		if err != nil {
			return err
		}
		m.tables[name] = append(m.tables[name], rows...)

	case strings.HasPrefix(upper, "DROP TABLE"):
		name := tableName(s, "DROP TABLE", "IF EXISTS")
		if name == "" {
			return fmt.Errorf("memory engine: cannot parse %q", stmt)
		}
		if _, ok := m.tables[name]; !ok && !strings.Contains(upper, "IF EXISTS") {
			return fmt.Errorf("table %q does not exist", name)
		}
		delete(m.tables, name)

	case strings.HasPrefix(upper, "DELETE FROM"):
		name := tableName(s, "DELETE FROM", "")
		if name == "" {
			return fmt.Errorf("memory engine: cannot parse %q", stmt)
		}
		if _, ok := m.tables[name]; !ok {
			return fmt.Errorf("table %q does not exist", name)
		}
		m.tables[name] = nil

	default:
		return fmt.Errorf("memory engine: unsupported statement %q", stmt)
	}
	return nil
}

func (m *Memory) Dump(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.tables)
}

func (m *Memory) Load(_ context.Context, data []byte) error {
	tables := map[string][]string{}
	if err := json.Unmarshal(data, &tables); err != nil {
		return fmt.Errorf("load dump: %w", err)
	}
	m.mu.Lock()
	m.tables = tables
	m.mu.Unlock()
	return nil
}

// TableExists reports whether the named table exists.
func (m *Memory) TableExists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tables[strings.ToLower(name)]
	return ok
}

// RowCount returns the number of rows in the named table, or -1 if absent.
func (m *Memory) RowCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.tables[strings.ToLower(name)]
	if !ok {
		return -1
	}
	return len(rows)
}

// tableName extracts the identifier following the keyword (and an optional
// modifier such as IF NOT EXISTS).
func tableName(stmt, keyword, modifier string) string {
	rest := stmt[len(keyword):]
	if modifier != "" {
		upper := strings.ToUpper(rest)
		if i := strings.Index(upper, modifier); i >= 0 {
			rest = rest[i+len(modifier):]
		}
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	name := fields[0]
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(strings.Trim(name, `"`))
}

// valueTuples splits the VALUES clause into per-row tuple text.
func valueTuples(stmt string) ([]string, error) {
	upper := strings.ToUpper(stmt)
	i := strings.Index(upper, "VALUES")
	if i < 0 {
		return nil, fmt.Errorf("no VALUES clause in %q", stmt)
	}
	rest := stmt[i+len("VALUES"):]

	var rows []string
	depth := 0
	start := -1
	for pos, r := range rest {
		switch r {
		case '(':
			if depth == 0 {
				start = pos + 1
			}
			depth++
		case ')':
			depth--
			if depth == 0 && start >= 0 {
				rows = append(rows, strings.TrimSpace(rest[start:pos]))
				start = -1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses in %q", stmt)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty VALUES clause in %q", stmt)
	}
	return rows, nil
}
