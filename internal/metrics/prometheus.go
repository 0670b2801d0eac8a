package metrics

import (
	"bufio"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

const eventsFamily = "gazelink_events_total"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// Gauge is a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() int
}

// PrometheusHandler writes the counters as one labelled family,
// gazelink_events_total{event=...}, followed by each gauge, in the text
// exposition format.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		events := make([]string, 0, len(snap))
		for name := range snap {
			events = append(events, name)
		}
		slices.Sort(events)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		bw := bufio.NewWriter(w)
		defer bw.Flush()

		writeHeader(bw, eventsFamily, "counter", "Signaling, room, relay and processing node events.")
		for _, name := range events {
			bw.WriteString(eventsFamily + `{event="` + labelEscaper.Replace(name) + `"} `)
			bw.WriteString(strconv.FormatUint(snap[name], 10) + "\n")
		}
		for _, g := range gauges {
			writeHeader(bw, g.Name, "gauge", g.Help)
			bw.WriteString(g.Name + " " + strconv.Itoa(g.Value()) + "\n")
		}
	})
}

func writeHeader(w *bufio.Writer, name, typ, help string) {
	if help != "" {
		w.WriteString("# HELP " + name + " " + help + "\n")
	}
	w.WriteString("# TYPE " + name + " " + typ + "\n")
}
