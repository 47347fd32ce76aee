package telemetry

import (
	"strings"
	"sync"
)

// Report is a single call recorded by MemoryAPI.
type Report struct {
	Kind   string
	ID     string
	Params []any
}

// MemoryAPI records every report it receives so tests can assert on them.
type MemoryAPI struct {
	mutex   sync.Mutex
	reports []Report
}

func (m *MemoryAPI) record(kind, id string, params []any) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.reports = append(m.reports, Report{Kind: kind, ID: id, Params: params})
}

func (m *MemoryAPI) ReportBroken(id string, params ...any) {
	m.record("broken", id, params)
}

func (m *MemoryAPI) ReportWarning(id string, params ...any) {
	m.record("warning", id, params)
}

func (m *MemoryAPI) ReportDebug(msg string, params ...any) {
	m.record("debug", msg, params)
}

func (m *MemoryAPI) ReportCount(id string, count int64) {
	m.record("count", id, []any{count})
}

// Reports returns the recorded reports of a kind ("broken", "warning", "debug", "count"),
// an empty kind returns every report.
func (m *MemoryAPI) Reports(kind string) []Report {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var out []Report
	for _, r := range m.reports {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Has reports whether a report of the given kind has an id ending in idSuffix,
// scoped ids are prefixed by their namespace.
func (m *MemoryAPI) Has(kind, idSuffix string) bool {
	for _, r := range m.Reports(kind) {
		if strings.HasSuffix(r.ID, idSuffix) {
			return true
		}
	}
	return false
}
