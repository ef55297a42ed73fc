package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses from best to worst
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Result is the outcome of a single check
type Result struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func newResult(name string) Result {
	return Result{Name: name, Timestamp: time.Now(), Details: make(map[string]interface{})}
}

// set records the status and stamps the duration
func (r Result) set(status Status, message string, err error) Result {
	r.Status = status
	r.Message = message
	if err != nil {
		r.Error = err.Error()
	}
	r.Duration = time.Since(r.Timestamp)
	return r
}

// Report aggregates every check of a registry
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    []Result               `json:"checks"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Result returns the named check result
func (r Report) Result(name string) (Result, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Result{}, false
}

// Ready reports whether the listener can take traffic. Degraded counts as ready.
func (r Report) Ready() bool {
	return r.Status != StatusUnhealthy
}

// Checker is a single named health check
type Checker interface {
	Check(ctx context.Context) Result
	Name() string
}

// CheckFunc performs a check
type CheckFunc func(ctx context.Context) Result

type funcChecker struct {
	name string
	fn   CheckFunc
}

func (c funcChecker) Check(ctx context.Context) Result { return c.fn(ctx) }
func (c funcChecker) Name() string                     { return c.name }

// Func turns fn into a Checker named name
func Func(name string, fn CheckFunc) Checker {
	return funcChecker{name: name, fn: fn}
}

// Registry holds the checks reported by the health endpoints
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]interface{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		metadata: make(map[string]interface{}),
	}
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// SetMetadata sets a value reported with every check
func (r *Registry) SetMetadata(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

func (r *Registry) snapshot() ([]Checker, map[string]interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	sort.Slice(checkers, func(i, j int) bool { return checkers[i].Name() < checkers[j].Name() })

	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	return checkers, metadata
}

// Check runs all checks concurrently. A check still running when ctx is done
// is reported unhealthy. Results are sorted by name.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()
	checkers, metadata := r.snapshot()

	type indexed struct {
		i   int
		res Result
	}
	done := make(chan indexed, len(checkers))
	for i, checker := range checkers {
		go func(i int, checker Checker) {
			done <- indexed{i: i, res: checker.Check(ctx)}
		}(i, checker)
	}

	results := make([]*Result, len(checkers))
collect:
	for pending := len(checkers); pending > 0; pending-- {
		select {
		case d := <-done:
			res := d.res
			results[d.i] = &res
		case <-ctx.Done():
			break collect
		}
	}

	report := Report{
		Status:   StatusHealthy,
		Checks:   make([]Result, 0, len(checkers)),
		Metadata: metadata,
	}
	for i, res := range results {
		if res == nil {
			timedOut := newResult(checkers[i].Name()).set(StatusUnhealthy, "check timed out", ctx.Err())
			timedOut.Details = nil
			res = &timedOut
		}
		report.Checks = append(report.Checks, *res)
		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
	}

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

// Mux serves the registry: /health reports every check as JSON, /ready fails
// only when a check is unhealthy and /live always succeeds. Each probe is
// bounded by timeout.
func Mux(registry *Registry, timeout time.Duration) *http.ServeMux {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	check := func(r *http.Request) Report {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		return registry.Check(ctx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		report := check(r)
		body, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
		if err != nil {
			http.Error(w, "failed to encode health report", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode(report))
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if check(r).Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	})
	return mux
}

func statusCode(report Report) int {
	if report.Ready() {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}
