package prompt

import (
	"context"
	"sync"
	"time"

	"github.com/olumi/cee/internal/telemetry"
)

// DefaultTTL is how long a cached template stays fresh.
const DefaultTTL = 60 * time.Second

// Registry resolves task → prompt content. The synchronous path always
// returns a usable prompt (cache or registered default); the asynchronous
// path additionally honours staging and experiment selection.
//
// A single Registry is injected at construction; there is no package-level
// singleton beyond what the process wires up at startup.
type Registry struct {
	store   Store
	emitter telemetry.Emitter
	ttl     time.Duration
	now     func() time.Time

	mu          sync.Mutex
	defaults    map[string]string
	decls       map[string][]VariableDecl
	experiments map[string]*Experiment
	cache       map[string]cacheEntry
	refreshing  map[string]bool
}

type cacheEntry struct {
	template  string
	fetchedAt time.Time
}

type Option func(*Registry)

func WithTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store Store, emitter telemetry.Emitter, opts ...Option) *Registry {
	if emitter == nil {
		emitter = telemetry.Nop{}
	}
	r := &Registry{
		store:       store,
		emitter:     emitter,
		ttl:         DefaultTTL,
		now:         time.Now,
		defaults:    map[string]string{},
		decls:       map[string][]VariableDecl{},
		experiments: map[string]*Experiment{},
		cache:       map[string]cacheEntry{},
		refreshing:  map[string]bool{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterDefault installs the fallback template for a task. The default is
// served on cache misses and store failures.
func (r *Registry) RegisterDefault(task, template string, decls ...VariableDecl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[task] = template
	if len(decls) > 0 {
		r.decls[task] = decls
	}
}

// RegisterExperiment installs an A/B experiment for a task, replacing any
// previous one.
func (r *Registry) RegisterExperiment(e *Experiment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.experiments[e.Task] = e
}

// GetSystemPrompt is the synchronous read: cache when fresh, registered
// default on a miss (scheduling a single background refresh per task).
func (r *Registry) GetSystemPrompt(task string, vars map[string]string) (string, error) {
	r.mu.Lock()
	entry, cached := r.cache[task]
	fresh := cached && r.now().Sub(entry.fetchedAt) < r.ttl
	template := r.defaults[task]
	decls := r.decls[task]
	if fresh {
		template = entry.template
	}
	needRefresh := !fresh && !r.refreshing[task]
	if needRefresh {
		r.refreshing[task] = true
	}
	r.mu.Unlock()

	switch {
	case fresh:
		r.emitter.Emit("prompt.cache.hit", map[string]any{"task": task})
	case cached:
		r.emitter.Emit("prompt.cache.miss", map[string]any{"task": task, "reason": "expired"})
	default:
		r.emitter.Emit("prompt.cache.miss", map[string]any{"task": task, "reason": "not_cached"})
	}

	if needRefresh {
		go r.refresh(task)
	}
	return Interpolate(template, vars, decls)
}

// refresh fetches the task's active production template into the cache.
// Thundering herds are suppressed by the refreshing flag: at most one
// in-flight refresh per task.
func (r *Registry) refresh(task string) {
	defer func() {
		r.mu.Lock()
		delete(r.refreshing, task)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	def, err := r.store.GetDefinition(ctx, task)
	if err != nil {
		return
	}
	active := def.Active()
	if active == nil {
		return
	}
	r.mu.Lock()
	r.cache[task] = cacheEntry{template: active.Template, fetchedAt: r.now()}
	r.mu.Unlock()
	r.emitter.Emit("prompt.cache.refresh", map[string]any{"task": task})
}

// GetSystemPromptAsync resolves with staging and experiment awareness:
// treatment bucket first, then the store's active production version, then
// the registered default.
func (r *Registry) GetSystemPromptAsync(ctx context.Context, task string, pctx Context, vars map[string]string) (string, error) {
	r.mu.Lock()
	exp := r.experiments[task]
	fallback := r.defaults[task]
	decls := r.decls[task]
	r.mu.Unlock()

	if exp != nil && exp.InTreatment(pctx) {
		r.emitter.Emit("prompt.experiment.assignment", map[string]any{
			"task": task, "experiment": exp.Name, "variant": "treatment",
		})
		if tpl, ok := r.treatmentTemplate(ctx, task, exp); ok {
			return Interpolate(tpl, vars, decls)
		}
		// Treatment target missing: fall through to production resolution.
	}

	def, err := r.store.GetDefinition(ctx, task)
	if err == nil {
		if active := def.Active(); active != nil {
			r.mu.Lock()
			r.cache[task] = cacheEntry{template: active.Template, fetchedAt: r.now()}
			r.mu.Unlock()
			return Interpolate(active.Template, vars, decls)
		}
	}
	return Interpolate(fallback, vars, decls)
}

func (r *Registry) treatmentTemplate(ctx context.Context, task string, exp *Experiment) (string, bool) {
	def, err := r.store.GetDefinition(ctx, task)
	if err != nil {
		return "", false
	}
	var v *Version
	switch exp.Treatment {
	case TreatmentFixed:
		v = def.VersionByNumber(exp.FixedVersion)
	default:
		v = def.Staging()
		if v != nil {
			r.emitter.Emit("prompt.staging.used", map[string]any{"task": task})
		}
	}
	if v == nil {
		return "", false
	}
	return v.Template, true
}

// WarmReport summarises cache warming at startup.
type WarmReport struct {
	Warmed      int `json:"warmed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	UsedStaging int `json:"usedStaging"`
}

// Warm pre-populates the cache for every task in the store. Tasks without an
// active version fall back to staging (counted), and are skipped when
// neither exists.
func (r *Registry) Warm(ctx context.Context) WarmReport {
	var report WarmReport
	tasks, err := r.store.ListTasks(ctx)
	if err != nil {
		r.emitter.Emit("prompt.cache.warm", map[string]any{"failed": true})
		return report
	}
	for _, task := range tasks {
		def, err := r.store.GetDefinition(ctx, task)
		if err != nil {
			report.Failed++
			continue
		}
		v := def.Active()
		if v == nil {
			if v = def.Staging(); v != nil {
				report.UsedStaging++
			}
		}
		if v == nil {
			report.Skipped++
			continue
		}
		r.mu.Lock()
		r.cache[task] = cacheEntry{template: v.Template, fetchedAt: r.now()}
		r.mu.Unlock()
		report.Warmed++
	}
	r.emitter.Emit("prompt.cache.warm", map[string]any{
		"warmed": report.Warmed, "failed": report.Failed,
		"skipped": report.Skipped, "usedStaging": report.UsedStaging,
	})
	return report
}

// Invalidate drops a task's cache entry, forcing the next read to refresh.
func (r *Registry) Invalidate(task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, task)
}
