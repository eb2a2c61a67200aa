package prometheus

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrEthical07/clinicauth"
	"github.com/MrEthical07/clinicauth/metrics/export/internaldefs"
)

// Source is satisfied by *clinicauth.Engine.
type Source interface {
	MetricsSnapshot() clinicauth.MetricsSnapshot
	AuditDropped() uint64
}

type Exporter struct {
	source Source
}

func NewExporter(source Source) *Exporter {
	return &Exporter{source: source}
}

func (p *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_ = p.Encode(w)
	})
}

// Render returns the exposition text, or "" when metrics are disabled and
// nothing was dropped.
func (p *Exporter) Render() string {
	var b strings.Builder
	_ = p.Encode(&b)
	return b.String()
}

// Encode writes the exposition text to w.
func (p *Exporter) Encode(w io.Writer) error {
	if p == nil || p.source == nil {
		return nil
	}
	snap := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snap.Counters) == 0 && len(snap.Histograms) == 0 && dropped == 0 {
		return nil
	}

	ew := &errWriter{w: w}
	for _, def := range internaldefs.Counters {
		ew.counter(def.Name, def.Help, snap.Counters[def.ID])
	}
	if raw, ok := snap.Histograms[internaldefs.LookupLatency.ID]; ok {
		ew.histogram(internaldefs.LookupLatency, internaldefs.Cumulative(raw))
	}
	ew.counter(internaldefs.AuditDroppedName, internaldefs.AuditDroppedHelp, dropped)
	return ew.err
}

// errWriter keeps the first write error and skips later writes.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err == nil {
		_, e.err = fmt.Fprintf(e.w, format, args...)
	}
}

func (e *errWriter) header(name, help, kind string) {
	e.printf("# HELP %s %s\n# TYPE %s %s\n", name, escapeHelp(help), name, kind)
}

func (e *errWriter) counter(name, help string, v uint64) {
	e.header(name, help, "counter")
	e.printf("%s %d\n", name, v)
}

func (e *errWriter) histogram(def internaldefs.Def, cumulative []uint64) {
	e.header(def.Name, def.Help, "histogram")
	for i, b := range internaldefs.Buckets() {
		e.printf("%s_bucket{le=%q} %d\n", def.Name, b.LE, cumulative[i])
	}
	// Observations are bucketed only; the sum is not tracked.
	e.printf("%s_sum 0\n%s_count %d\n", def.Name, def.Name, cumulative[len(cumulative)-1])
}

func escapeHelp(help string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(help)
}
