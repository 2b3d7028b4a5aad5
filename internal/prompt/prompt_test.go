package prompt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolatePrecedenceAndDefaults(t *testing.T) {
	decls := []VariableDecl{
		{Name: "tone", Default: "neutral"},
		{Name: "audience", Required: true},
		{Name: "region"},
	}
	out, err := Interpolate("tone={{tone}} audience={{audience}} region={{region}}",
		map[string]string{"tone": "crisp", "audience": "exec"}, decls)
	require.NoError(t, err)
	assert.Equal(t, "tone=crisp audience=exec region=", out)

	// Declared default applies when the caller omits the variable.
	out, err = Interpolate("{{tone}}", nil, decls)
	require.NoError(t, err)
	assert.Equal(t, "neutral", out)

	// Missing required variable is a config error.
	_, err = Interpolate("{{audience}}", nil, decls)
	var cfg *ConfigError
	require.ErrorAs(t, err, &cfg)
}

func TestHashIsOverUnsubstitutedTemplate(t *testing.T) {
	h1 := HashTemplate("Hello {{name}}")
	h2 := HashTemplate("Hello {{name}}")
	h3 := HashTemplate("Hello world")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestExperimentBucketingIsDeterministic(t *testing.T) {
	e := &Experiment{Name: "exp1", Task: "draft_graph", TreatmentPercent: 50}
	ctx := Context{UserID: "user-42"}
	first := e.InTreatment(ctx)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.InTreatment(ctx))
	}

	// Forced variant overrides bucketing.
	e.ForcedVariant = "treatment"
	assert.True(t, e.InTreatment(Context{}))
	e.ForcedVariant = "control"
	assert.False(t, e.InTreatment(Context{}))
}

func TestBucketRangeAndSubjectFallback(t *testing.T) {
	for _, subject := range []string{"a", "b", "key-1", "req-9"} {
		b := Bucket("exp", subject)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 100)
	}
	// Subject precedence: user > key > request > anonymous.
	assert.Equal(t, "u", Context{UserID: "u", KeyID: "k", RequestID: "r"}.subject())
	assert.Equal(t, "k", Context{KeyID: "k", RequestID: "r"}.subject())
	assert.Equal(t, "r", Context{RequestID: "r"}.subject())
	assert.Equal(t, "anonymous", Context{}.subject())
}

func TestPromoteRejectsSecondProduction(t *testing.T) {
	def := &Definition{Task: "draft_graph"}
	now := time.Now()
	v1 := def.AddVersion("v1 template", now)
	v2 := def.AddVersion("v2 template", now)
	require.NoError(t, def.Promote(v1.Number))

	err := def.Promote(v2.Number)
	var cfg *ConfigError
	require.ErrorAs(t, err, &cfg)
	assert.Contains(t, cfg.Message, "version 1 in production")

	def.Demote()
	require.NoError(t, def.Promote(v2.Number))
	assert.Equal(t, v2.Number, def.ActiveVersion)
}

func TestVersionsAreAppendOnlyWithIncreasingNumbers(t *testing.T) {
	def := &Definition{Task: "t"}
	now := time.Now()
	a := def.AddVersion("a", now)
	b := def.AddVersion("b", now)
	assert.Equal(t, 1, a.Number)
	assert.Equal(t, 2, b.Number)
	assert.Equal(t, "a", def.VersionByNumber(1).Template)
}

func newTestRegistry(t *testing.T, store Store) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	return NewRegistry(store, nil, WithClock(clock.Now)), clock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSyncReadServesDefaultOnMissThenCacheAfterRefresh(t *testing.T) {
	store := NewMemoryStore()
	def := &Definition{Task: "draft_graph"}
	v := def.AddVersion("store template", time.Now())
	require.NoError(t, def.Promote(v.Number))
	require.NoError(t, store.PutDefinition(context.Background(), def))

	reg, _ := newTestRegistry(t, store)
	reg.RegisterDefault("draft_graph", "default template")

	out, err := reg.GetSystemPrompt("draft_graph", nil)
	require.NoError(t, err)
	assert.Equal(t, "default template", out, "miss must serve the default immediately")

	// The background refresh lands eventually; poll rather than sleep blindly.
	require.Eventually(t, func() bool {
		out, err := reg.GetSystemPrompt("draft_graph", nil)
		return err == nil && out == "store template"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAsyncHonoursStagingExperiment(t *testing.T) {
	store := NewMemoryStore()
	def := &Definition{Task: "draft_graph"}
	v1 := def.AddVersion("production template", time.Now())
	v2 := def.AddVersion("staging template", time.Now())
	require.NoError(t, def.Promote(v1.Number))
	def.StagingVersion = v2.Number
	require.NoError(t, store.PutDefinition(context.Background(), def))

	reg, _ := newTestRegistry(t, store)
	reg.RegisterDefault("draft_graph", "default template")
	reg.RegisterExperiment(&Experiment{
		Name: "exp1", Task: "draft_graph",
		TreatmentPercent: 100, Treatment: TreatmentStaging,
	})

	out, err := reg.GetSystemPromptAsync(context.Background(), "draft_graph", Context{UserID: "u"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "staging template", out)

	// Control bucket gets production.
	reg.RegisterExperiment(&Experiment{
		Name: "exp1", Task: "draft_graph",
		TreatmentPercent: 0, Treatment: TreatmentStaging,
	})
	out, err = reg.GetSystemPromptAsync(context.Background(), "draft_graph", Context{UserID: "u"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "production template", out)
}

func TestAsyncFallsBackToDefaultOnStoreFailure(t *testing.T) {
	reg, _ := newTestRegistry(t, NewMemoryStore())
	reg.RegisterDefault("draft_graph", "default template")
	out, err := reg.GetSystemPromptAsync(context.Background(), "draft_graph", Context{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "default template", out)
}

func TestWarmReport(t *testing.T) {
	store := NewMemoryStore()

	prod := &Definition{Task: "a"}
	v := prod.AddVersion("a template", time.Now())
	require.NoError(t, prod.Promote(v.Number))
	require.NoError(t, store.PutDefinition(context.Background(), prod))

	staged := &Definition{Task: "b"}
	sv := staged.AddVersion("b template", time.Now())
	staged.StagingVersion = sv.Number
	require.NoError(t, store.PutDefinition(context.Background(), staged))

	empty := &Definition{Task: "c"}
	require.NoError(t, store.PutDefinition(context.Background(), empty))

	reg, _ := newTestRegistry(t, store)
	report := reg.Warm(context.Background())
	assert.Equal(t, 2, report.Warmed)
	assert.Equal(t, 1, report.UsedStaging)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Failed)
}

func TestTTLExpiryTriggersMissEvent(t *testing.T) {
	store := NewMemoryStore()
	def := &Definition{Task: "a"}
	v := def.AddVersion("tpl", time.Now())
	require.NoError(t, def.Promote(v.Number))
	require.NoError(t, store.PutDefinition(context.Background(), def))

	reg, clock := newTestRegistry(t, store)
	reg.RegisterDefault("a", "default")
	reg.Warm(context.Background())

	out, err := reg.GetSystemPrompt("a", nil)
	require.NoError(t, err)
	assert.Equal(t, "tpl", out)

	clock.Advance(2 * DefaultTTL)
	out, err = reg.GetSystemPrompt("a", nil)
	require.NoError(t, err)
	assert.Equal(t, "default", out, "expired entry must fall back to default while refreshing")
}
