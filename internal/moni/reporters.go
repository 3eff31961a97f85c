package moni

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"cncserver/internal/comp"
)

// Pump drains one bus subscription into a reporter until the
// subscription is closed. Report failures are logged and skipped.
func Pump(bus *Bus, r Reporter, logger *zap.SugaredLogger) {
	ch := bus.Register(r.Name())
	go func() {
		for rec := range ch {
			if err := r.Report(rec); err != nil {
				logger.Warnw("moni report failed",
					"reporter", r.Name(), "var", rec.Name, "error", err)
			}
		}
		if err := r.Close(); err != nil {
			logger.Warnw("moni reporter close failed",
				"reporter", r.Name(), "error", err)
		}
	}()
}

// FileReporter appends records to per-component .moni files inside each
// run directory, in the "name: timestamp:\n\tvalue" layout the offline
// tooling parses. The component is the part of the varname before the
// first colon; colon-free varnames land in cncserver.moni.
type FileReporter struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

func NewFileReporter(dir string) *FileReporter {
	return &FileReporter{dir: dir, files: make(map[string]*os.File)}
}

func (r *FileReporter) Name() string { return "file" }

func (r *FileReporter) Report(rec Record) error {
	source := "cncserver"
	name := rec.Name
	if i := strings.IndexByte(rec.Name, ':'); i > 0 {
		source = strings.ReplaceAll(rec.Name[:i], "#", "-")
		name = rec.Name[i+1:]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%d/%s", rec.Run, source)
	f, ok := r.files[key]
	if !ok {
		runDir := filepath.Join(r.dir, fmt.Sprintf("run%06d", rec.Run))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(filepath.Join(runDir, source+".moni"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		r.files[key] = f
	}

	_, err := fmt.Fprintf(f, "%s: %s:\n\t%v\n\n",
		name, rec.Time.UTC().Format("2006-01-02 15:04:05.000000"), rec.Value)
	return err
}

func (r *FileReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for key, f := range r.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.files, key)
	}
	return first
}

// PromReporter exports numeric monitoring quantities as gauges. Map and
// list payloads are flattened one level; non-numeric leaves are skipped.
type PromReporter struct {
	gauge *prometheus.GaugeVec
}

func NewPromReporter(reg prometheus.Registerer) *PromReporter {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cnc",
		Subsystem: "moni",
		Name:      "value",
		Help:      "Latest reported value of each monitoring quantity.",
	}, []string{"varname", "field"})
	reg.MustRegister(gauge)
	return &PromReporter{gauge: gauge}
}

func (r *PromReporter) Name() string { return "prometheus" }

func (r *PromReporter) Report(rec Record) error {
	switch v := rec.Value.(type) {
	case map[string]any:
		for field, elem := range v {
			if n, ok := comp.UnfixInt64(elem); ok {
				r.gauge.WithLabelValues(rec.Name, field).Set(float64(n))
			}
		}
	case []any:
		total := int64(0)
		found := false
		for _, elem := range v {
			if n, ok := comp.UnfixInt64(elem); ok {
				total += n
				found = true
			}
		}
		if found {
			r.gauge.WithLabelValues(rec.Name, "total").Set(float64(total))
		}
	case float64:
		r.gauge.WithLabelValues(rec.Name, "").Set(v)
	default:
		if n, ok := comp.UnfixInt64(v); ok {
			r.gauge.WithLabelValues(rec.Name, "").Set(float64(n))
		}
	}
	return nil
}

func (r *PromReporter) Close() error { return nil }
