package assignment

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlinna/virta/pkg/api"
)

// mutableDirectory lets tests change group membership between calls.
type mutableDirectory struct {
	mu      sync.Mutex
	members map[string][]string
}

func (d *mutableDirectory) GroupMembers(ctx context.Context, groupID, role string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.members[groupID]...), nil
}

func (d *mutableDirectory) set(groupID string, members ...string) {
	d.mu.Lock()
	d.members[groupID] = members
	d.mu.Unlock()
}

func TestAssign_RoundRobinFairness(t *testing.T) {
	ctx := context.Background()
	svc := New(&api.StaticDirectory{
		Members: map[string][]string{"inspectors": {"a", "b", "c"}},
	})

	// k members, 2k calls: each member selected exactly twice, in a
	// stable cyclic order.
	var got []string
	for i := 0; i < 6; i++ {
		u, err := svc.Assign(ctx, "inspectors", "")
		require.NoError(t, err)
		got = append(got, u)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestAssign_CursorIsPerGroupAndRole(t *testing.T) {
	ctx := context.Background()
	svc := New(&api.StaticDirectory{
		Members: map[string][]string{
			"inspectors": {"a", "b"},
			"clerks":     {"x", "y"},
		},
		Roles: map[string][]string{
			"a": {"senior"},
			"b": {"junior"},
		},
	})

	u1, err := svc.Assign(ctx, "inspectors", "")
	require.NoError(t, err)
	u2, err := svc.Assign(ctx, "clerks", "")
	require.NoError(t, err)
	assert.Equal(t, "a", u1)
	assert.Equal(t, "x", u2, "groups must not share a cursor")

	// A role filter keys its own cursor and its own member list.
	u3, err := svc.Assign(ctx, "inspectors", "senior")
	require.NoError(t, err)
	assert.Equal(t, "a", u3)
}

func TestAssign_MembershipChangeDegradesGracefully(t *testing.T) {
	ctx := context.Background()
	dir := &mutableDirectory{members: map[string][]string{"g": {"a", "b", "c"}}}
	svc := New(dir)

	u, err := svc.Assign(ctx, "g", "")
	require.NoError(t, err)
	assert.Equal(t, "a", u)

	// The group shrinks under the cursor; the cursor wraps modulo the
	// new length instead of erroring.
	dir.set("g", "a")
	for i := 0; i < 3; i++ {
		u, err = svc.Assign(ctx, "g", "")
		require.NoError(t, err)
		assert.Equal(t, "a", u)
	}

	dir.set("g", "a", "b", "c", "d")
	u, err = svc.Assign(ctx, "g", "")
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b", "c", "d"}, u)
}

func TestAssign_EmptyGroup(t *testing.T) {
	ctx := context.Background()
	svc := New(&api.StaticDirectory{})

	_, err := svc.Assign(ctx, "nobody", "")
	assert.ErrorIs(t, err, api.ErrNoEligibleAssignee)

	_, err = svc.Eligible(ctx, "nobody", "")
	assert.ErrorIs(t, err, api.ErrNoEligibleAssignee)

	// A nil directory degrades the same way.
	_, err = New(nil).Assign(ctx, "anything", "")
	assert.ErrorIs(t, err, api.ErrNoEligibleAssignee)
}

func TestAssign_ConcurrentCallsStayBalanced(t *testing.T) {
	ctx := context.Background()
	svc := New(&api.StaticDirectory{
		Members: map[string][]string{"g": {"a", "b", "c", "d"}},
	})

	const rounds = 100
	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				u, err := svc.Assign(ctx, "g", "")
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				counts[u]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 400 atomic cursor increments over 4 members: exactly 100 each.
	for _, m := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, rounds, counts[m], "member %s", m)
	}
}

func TestNewWithStrategy(t *testing.T) {
	dir := &api.StaticDirectory{
		Members: map[string][]string{"g": {"a", "b"}},
	}

	svc, err := NewWithStrategy(dir, StrategyRoundRobin)
	require.NoError(t, err)
	u, err := svc.Assign(context.Background(), "g", "")
	require.NoError(t, err)
	assert.Equal(t, "a", u)

	// Empty defaults to round-robin.
	_, err = NewWithStrategy(dir, "")
	assert.NoError(t, err)

	_, err = NewWithStrategy(dir, "expertise")
	assert.Error(t, err)
}

func TestEligible_DoesNotAdvanceCursor(t *testing.T) {
	ctx := context.Background()
	svc := New(&api.StaticDirectory{
		Members: map[string][]string{"g": {"a", "b"}},
	})

	_, err := svc.Eligible(ctx, "g", "")
	require.NoError(t, err)

	u, err := svc.Assign(ctx, "g", "")
	require.NoError(t, err)
	assert.Equal(t, "a", u, "Eligible must not consume a round-robin slot")
}
