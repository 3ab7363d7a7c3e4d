package authz

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/oidcaccount/pkg/observability"
)

type fakeSource struct {
	mu          sync.Mutex
	permissions map[int64][]Permission
	err         error
	calls       int
}

func (f *fakeSource) PermissionsForUser(ctx context.Context, userID int64, slug string) ([]Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []Permission
	for _, p := range f.permissions[userID] {
		if p.Slug == slug {
			out = append(out, p)
		}
	}
	return out, nil
}

func mustTemplate(t *testing.T, raw string) Template {
	t.Helper()
	tmpl, err := ParseTemplate([]byte(raw))
	require.NoError(t, err)
	return tmpl
}

func canEditPost(ctx context.Context, c Call) bool {
	return c.Params["post_id"] == c.Params["owned_id"]
}

func TestCheckAccess_EditPost(t *testing.T) {
	user := &User{ID: 42, Enabled: true}
	source := &fakeSource{permissions: map[int64][]Permission{
		42: {{ID: 1, Slug: "edit_post", Callback: "canEditPost", Parameters: mustTemplate(t, `[{"_name":"post_id"}]`)}},
	}}
	m := NewManager(source, Config{})
	m.AddCallback("canEditPost", canEditPost)

	ctx := context.Background()
	assert.True(t, m.CheckAccess(ctx, user, "edit_post", map[string]interface{}{"post_id": 5, "owned_id": 5}))
	assert.False(t, m.CheckAccess(ctx, user, "edit_post", map[string]interface{}{"post_id": 5, "owned_id": 9}))
}

func TestCheckAccess_SkipsUnresolvablePermission(t *testing.T) {
	user := &User{ID: 42}
	var seen []interface{}
	source := &fakeSource{permissions: map[int64][]Permission{
		42: {
			{ID: 1, Slug: "view_report", Callback: "always", Parameters: mustTemplate(t, `[{"_name":"department"}]`)},
			{ID: 2, Slug: "view_report", Callback: "always", Parameters: mustTemplate(t, `[{"_name":"report_id"}, "summary"]`)},
		},
	}}
	m := NewManager(source, Config{})
	m.AddCallback("always", func(ctx context.Context, c Call) bool {
		seen = append(seen, c.Args...)
		return true
	})

	assert.True(t, m.CheckAccess(context.Background(), user, "view_report", map[string]interface{}{"report_id": 11}))
	assert.Equal(t, []interface{}{11, "summary"}, seen)
}

func TestCheckAccess_SkipsInvalidTemplate(t *testing.T) {
	user := &User{ID: 42}
	logger, hook := logtest.NewNullLogger()
	source := &fakeSource{permissions: map[int64][]Permission{
		42: {
			{ID: 1, Slug: "view_report", Callback: "always", Invalid: ErrInvalidTemplate},
			{ID: 2, Slug: "view_report", Callback: "always"},
		},
	}}
	m := NewManager(source, Config{Logger: logger})
	m.AddCallback("always", Always)

	assert.True(t, m.CheckAccess(context.Background(), user, "view_report", nil))
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, int64(1), hook.LastEntry().Data["permission_id"])

	source.permissions[42] = source.permissions[42][:1]
	assert.False(t, m.CheckAccess(context.Background(), user, "view_report", nil))
}

func TestCheckAccess_FirstGrantShortCircuits(t *testing.T) {
	user := &User{ID: 42}
	source := &fakeSource{permissions: map[int64][]Permission{
		42: {
			{ID: 1, Slug: "publish", Callback: "no"},
			{ID: 2, Slug: "publish", Callback: "yes"},
			{ID: 3, Slug: "publish", Callback: "boom"},
		},
	}}
	var order []string
	m := NewManager(source, Config{})
	m.AddCallback("no", func(context.Context, Call) bool { order = append(order, "no"); return false })
	m.AddCallback("yes", func(context.Context, Call) bool { order = append(order, "yes"); return true })
	m.AddCallback("boom", func(context.Context, Call) bool { t.Fatal("evaluated after a grant"); return false })

	assert.True(t, m.CheckAccess(context.Background(), user, "publish", nil))
	assert.Equal(t, []string{"no", "yes"}, order)
}

func TestCheckAccess_Master(t *testing.T) {
	source := &fakeSource{}
	m := NewManager(source, Config{})
	assert.Equal(t, DefaultMasterUserID, m.MasterUserID())

	assert.True(t, m.CheckAccess(context.Background(), &User{ID: 1}, "anything", nil))
	assert.True(t, m.CheckAccess(context.Background(), &User{ID: 1}, "", map[string]interface{}{"x": 1}))
	assert.Zero(t, source.calls)

	custom := NewManager(source, Config{MasterUserID: 99})
	assert.True(t, custom.CheckAccess(context.Background(), &User{ID: 99}, "anything", nil))
	assert.False(t, custom.CheckAccess(context.Background(), &User{ID: 1}, "anything", nil))
}

func TestCheckAccess_Guest(t *testing.T) {
	source := &fakeSource{}
	m := NewManager(source, Config{})
	for _, slug := range []string{"", "edit_post", "view_report"} {
		assert.False(t, m.CheckAccess(context.Background(), nil, slug, nil))
	}
	assert.Zero(t, source.calls)
}

func TestCheckAccess_Denials(t *testing.T) {
	user := &User{ID: 7}

	t.Run("no permissions", func(t *testing.T) {
		m := NewManager(&fakeSource{}, Config{})
		assert.False(t, m.CheckAccess(context.Background(), user, "edit_post", nil))
	})

	t.Run("source error", func(t *testing.T) {
		m := NewManager(&fakeSource{err: errors.New("database is down")}, Config{})
		m.AddCallback("always", func(context.Context, Call) bool { return true })
		assert.False(t, m.CheckAccess(context.Background(), user, "edit_post", nil))
	})

	t.Run("unregistered callback", func(t *testing.T) {
		m := NewManager(&fakeSource{permissions: map[int64][]Permission{
			7: {{ID: 1, Slug: "edit_post", Callback: "missing"}},
		}}, Config{})
		assert.False(t, m.CheckAccess(context.Background(), user, "edit_post", nil))
	})

	t.Run("every callback rejects", func(t *testing.T) {
		m := NewManager(&fakeSource{permissions: map[int64][]Permission{
			7: {{ID: 1, Slug: "edit_post", Callback: "never"}, {ID: 2, Slug: "edit_post", Callback: "never"}},
		}}, Config{})
		m.AddCallback("never", func(context.Context, Call) bool { return false })
		assert.False(t, m.CheckAccess(context.Background(), user, "edit_post", nil))
	})
}

func TestAddCallback_LastWriteWins(t *testing.T) {
	user := &User{ID: 7}
	m := NewManager(&fakeSource{permissions: map[int64][]Permission{
		7: {{ID: 1, Slug: "s", Callback: "cb"}},
	}}, Config{})

	m.AddCallback("cb", func(context.Context, Call) bool { return false })
	assert.False(t, m.CheckAccess(context.Background(), user, "s", nil))

	m.AddCallback("cb", func(context.Context, Call) bool { return true })
	assert.True(t, m.CheckAccess(context.Background(), user, "s", nil))

	assert.Equal(t, []string{"cb"}, m.CallbackNames())
}

func TestCallbacks_ReturnsCopy(t *testing.T) {
	m := NewManager(&fakeSource{}, Config{})
	m.AddCallback("a", func(context.Context, Call) bool { return true })

	callbacks := m.Callbacks()
	require.Len(t, callbacks, 1)
	delete(callbacks, "a")
	callbacks["b"] = func(context.Context, Call) bool { return true }

	assert.Equal(t, []string{"a"}, m.CallbackNames())
}

func TestCall_Arg(t *testing.T) {
	c := Call{Args: []interface{}{"x"}}
	assert.Equal(t, "x", c.Arg(0))
	assert.Nil(t, c.Arg(1))
	assert.Nil(t, c.Arg(-1))
}

func TestCheckAccess_DebugTracing(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	source := &fakeSource{permissions: map[int64][]Permission{
		7: {{ID: 1, Slug: "s", Callback: "cb", Parameters: Template{Placeholder("missing")}}},
	}}

	quiet := NewManager(source, Config{Logger: logger})
	quiet.CheckAccess(context.Background(), &User{ID: 7}, "s", nil)
	assert.Empty(t, hook.AllEntries())

	m := NewManager(source, Config{Logger: logger, Debug: true})
	assert.False(t, m.CheckAccess(context.Background(), &User{ID: 7}, "s", nil))

	entries := hook.AllEntries()
	require.NotEmpty(t, entries)
	var skipped *logrus.Entry
	for _, e := range entries {
		if e.Data["parameter"] == "missing" {
			skipped = e
		}
	}
	require.NotNil(t, skipped)
	assert.Equal(t, logrus.DebugLevel, skipped.Level)
	assert.Equal(t, int64(1), skipped.Data["permission_id"])
}

func TestCheckAccess_Metrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	m := NewManager(&fakeSource{}, Config{Metrics: metrics})

	m.CheckAccess(context.Background(), nil, "s", nil)
	m.CheckAccess(context.Background(), &User{ID: 1}, "s", nil)
	m.CheckAccess(context.Background(), &User{ID: 2}, "s", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuthzDecisionsTotal.WithLabelValues("deny", ReasonGuest)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuthzDecisionsTotal.WithLabelValues("allow", ReasonMaster)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuthzDecisionsTotal.WithLabelValues("deny", ReasonNoPermission)))
}

func TestManager_ConcurrentRegistration(t *testing.T) {
	m := NewManager(&fakeSource{permissions: map[int64][]Permission{
		7: {{ID: 1, Slug: "s", Callback: "cb"}},
	}}, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.AddCallback("cb", func(context.Context, Call) bool { return true })
		}()
		go func() {
			defer wg.Done()
			m.CheckAccess(context.Background(), &User{ID: 7}, "s", nil)
		}()
	}
	wg.Wait()
	assert.True(t, m.CheckAccess(context.Background(), &User{ID: 7}, "s", nil))
}
