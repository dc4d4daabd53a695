package plugin

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string, mutate ...func(*Manifest)) CatalogEntry {
	m := Manifest{ID: id, Name: id, Version: "1.0.0", Classification: ClassBuiltin}
	for _, fn := range mutate {
		fn(&m)
	}
	return CatalogEntry{Manifest: m, State: StateValidated}
}

func requires(ids ...string) func(*Manifest) {
	return func(m *Manifest) {
		for _, id := range ids {
			m.Requires = append(m.Requires, Dependency{PluginID: id})
		}
	}
}

func requiresVersion(id, constraint string) func(*Manifest) {
	return func(m *Manifest) {
		m.Requires = append(m.Requires, Dependency{PluginID: id, Version: constraint})
	}
}

func optional(ids ...string) func(*Manifest) {
	return func(m *Manifest) {
		for _, id := range ids {
			m.Optional = append(m.Optional, Dependency{PluginID: id})
		}
	}
}

func global(m *Manifest) { m.IsGlobal = true }

func version(v string) func(*Manifest) {
	return func(m *Manifest) { m.Version = v }
}

func conflicts(ids ...string) func(*Manifest) {
	return func(m *Manifest) { m.Conflicts = append(m.Conflicts, ids...) }
}

func TestResolver_Order(t *testing.T) {
	r := NewResolver(zerolog.Nop())

	t.Run("dependencies before dependents", func(t *testing.T) {
		order, err := r.Resolve([]CatalogEntry{entry("b", requires("a")), entry("a")})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, order)
	})

	t.Run("ties break by id", func(t *testing.T) {
		order, err := r.Resolve([]CatalogEntry{
			entry("zeta"), entry("alpha"), entry("mid", requires("alpha")), entry("beta"),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta", "mid", "zeta"}, order)
	})

	t.Run("deterministic regardless of input order", func(t *testing.T) {
		entries := []CatalogEntry{
			entry("d", requires("b", "c")), entry("c", requires("a")), entry("b", requires("a")), entry("a"), entry("e"),
		}
		first, err := r.Resolve(entries)
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			shuffled := append([]CatalogEntry(nil), entries...)
			for j := range shuffled {
				k := (j*7 + i) % len(shuffled)
				shuffled[j], shuffled[k] = shuffled[k], shuffled[j]
			}
			again, err := r.Resolve(shuffled)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, first)
	})

	t.Run("global plugins first", func(t *testing.T) {
		order, err := r.Resolve([]CatalogEntry{entry("aaa"), entry("zcore", global), entry("mid")})
		require.NoError(t, err)
		assert.Equal(t, []string{"zcore", "aaa", "mid"}, order)
	})

	t.Run("global plugin dependencies precede it", func(t *testing.T) {
		order, err := r.Resolve([]CatalogEntry{
			entry("aaa"), entry("zcore", global, requires("store")), entry("store"),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"store", "zcore", "aaa"}, order)
	})
}

func TestResolver_Waves(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	plan := r.Plan([]CatalogEntry{
		entry("core", global),
		entry("a"), entry("b", requires("a")), entry("c", requires("a")), entry("d", requires("b", "c")),
	})
	require.Empty(t, plan.Blocked)
	assert.Equal(t, [][]string{{"core"}, {"a"}, {"b", "c"}, {"d"}}, plan.Waves)
	assert.Equal(t, []string{"b", "c"}, plan.DependenciesOf("d"))
}

func TestResolver_Errors(t *testing.T) {
	r := NewResolver(zerolog.Nop())

	t.Run("missing dependency", func(t *testing.T) {
		plan := r.Plan([]CatalogEntry{entry("b", requires("ghost")), entry("a")})
		require.Contains(t, plan.Blocked, "b")
		err := plan.Blocked["b"]
		assert.Equal(t, Unsatisfied, err.Kind)
		assert.Equal(t, "ghost", err.Missing)
		assert.Equal(t, []string{"a"}, plan.Order)
	})

	t.Run("version outside range", func(t *testing.T) {
		plan := r.Plan([]CatalogEntry{entry("a", version("1.4.0")), entry("b", requiresVersion("a", "^2.0.0"))})
		require.Contains(t, plan.Blocked, "b")
		assert.Equal(t, Unsatisfied, plan.Blocked["b"].Kind)
		assert.Contains(t, plan.Blocked["b"].Error(), "does not satisfy ^2.0.0")
	})

	t.Run("version in range", func(t *testing.T) {
		order, err := r.Resolve([]CatalogEntry{entry("a", version("1.4.0")), entry("b", requiresVersion("a", ">=1.2.0, <2.0.0"))})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, order)
	})

	t.Run("cycle is reported with the full path", func(t *testing.T) {
		_, err := r.Resolve([]CatalogEntry{
			entry("a", requires("c")), entry("b", requires("a")), entry("c", requires("b")), entry("free"),
		})
		require.Error(t, err)
		errs := DependencyErrors(err)
		require.Len(t, errs, 3)
		for _, e := range errs {
			assert.Equal(t, Cycle, e.Kind)
			require.Len(t, e.Cycle, 4)
			assert.Equal(t, e.Cycle[0], e.Cycle[3])
			assert.ElementsMatch(t, []string{"a", "b", "c"}, e.Cycle[:3])
		}
	})

	t.Run("cycle path in a dense component", func(t *testing.T) {
		// A clique with a pendant member has no cycle through every member.
		var entries []CatalogEntry
		ids := make([]string, 20)
		for i := range ids {
			ids[i] = fmt.Sprintf("n%02d", i)
		}
		for _, id := range ids {
			var deps []string
			for _, other := range ids {
				if other != id {
					deps = append(deps, other)
				}
			}
			if id == "n00" {
				deps = append(deps, "z")
			}
			entries = append(entries, entry(id, requires(deps...)))
		}
		entries = append(entries, entry("z", requires("n00")))

		done := make(chan *Plan, 1)
		go func() { done <- r.Plan(entries) }()
		select {
		case plan := <-done:
			require.Len(t, plan.Blocked, 21)
			e := plan.Blocked["z"]
			assert.Equal(t, Cycle, e.Kind)
			require.GreaterOrEqual(t, len(e.Cycle), 3)
			assert.Equal(t, "n00", e.Cycle[0])
			assert.Equal(t, "n00", e.Cycle[len(e.Cycle)-1])
		case <-time.After(5 * time.Second):
			t.Fatal("cycle detection did not finish")
		}
	})

	t.Run("cycle does not block independent plugins", func(t *testing.T) {
		plan := r.Plan([]CatalogEntry{entry("a", requires("b")), entry("b", requires("a")), entry("free")})
		assert.Equal(t, []string{"free"}, plan.Order)
		assert.Len(t, plan.Blocked, 2)
	})

	t.Run("blocked dependency propagates", func(t *testing.T) {
		plan := r.Plan([]CatalogEntry{
			entry("a", requires("ghost")), entry("b", requires("a")), entry("c", requires("b")), entry("d"),
		})
		assert.Equal(t, []string{"d"}, plan.Order)
		require.Contains(t, plan.Blocked, "c")
		assert.Equal(t, "b", plan.Blocked["c"].Missing)
	})

	t.Run("mutual conflict", func(t *testing.T) {
		plan := r.Plan([]CatalogEntry{entry("a", conflicts("b")), entry("b", conflicts("a")), entry("c")})
		require.Contains(t, plan.Blocked, "a")
		require.Contains(t, plan.Blocked, "b")
		assert.Equal(t, Conflict, plan.Blocked["a"].Kind)
		assert.Equal(t, "b", plan.Blocked["a"].With)
		assert.Equal(t, []string{"c"}, plan.Order)
	})

	t.Run("one-sided conflict only warns", func(t *testing.T) {
		plan := r.Plan([]CatalogEntry{entry("a", conflicts("b")), entry("b")})
		assert.Empty(t, plan.Blocked)
		require.Len(t, plan.Warnings, 1)
		assert.Contains(t, plan.Warnings[0], "does not reciprocate")
	})
}

func TestResolver_OptionalDependencies(t *testing.T) {
	r := NewResolver(zerolog.Nop())

	t.Run("orders after a present optional dependency", func(t *testing.T) {
		order, err := r.Resolve([]CatalogEntry{entry("a", optional("z")), entry("z")})
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "a"}, order)
	})

	t.Run("absent optional dependency warns", func(t *testing.T) {
		plan := r.Plan([]CatalogEntry{entry("a", optional("ghost"))})
		assert.Empty(t, plan.Blocked)
		assert.Equal(t, []string{"a"}, plan.Order)
		require.Len(t, plan.Warnings, 1)
		assert.Contains(t, plan.Warnings[0], "ghost")
	})

	t.Run("optional edge closing a cycle is dropped", func(t *testing.T) {
		plan := r.Plan([]CatalogEntry{entry("a", requires("b")), entry("b", optional("a"))})
		assert.Empty(t, plan.Blocked)
		assert.Equal(t, []string{"b", "a"}, plan.Order)
		require.Len(t, plan.Warnings, 1)
		assert.Contains(t, plan.Warnings[0], "cycle")
	})
}
