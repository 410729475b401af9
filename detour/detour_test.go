package detour_test

import (
	"reflect"
	"testing"

	"github.com/hexwrap/detourx/detour"
	"github.com/stretchr/testify/require"
)

//go:noinline
func add5(x int) int { return x + 5 }

//go:noinline
func add10(x int) int { return x + 10 }

//go:noinline
func sub5(x int) int { return x - 5 }

// TestLifecycleS1 exercises the basic enable/disable cycle: after Enable,
// calls to add5 observe add10's behavior; the trampoline still reaches
// add5's original behavior; after Disable, add5 is restored.
func TestLifecycleS1(t *testing.T) {
	h, err := detour.Hook(add5, add10, detour.Options{})
	require.NoError(t, err)
	defer h.Close()

	require.Equal(t, 6, add5(1))

	require.NoError(t, h.Enable())
	require.True(t, h.IsEnabled())
	require.Equal(t, 11, add5(1))

	tramp := h.Trampoline()
	require.Equal(t, 6, tramp(1))

	require.NoError(t, h.Disable())
	require.False(t, h.IsEnabled())
	require.Equal(t, 6, add5(1))
}

// TestLifecycleS2 exercises SetDetour while enabled: it swaps the redirect
// target without rebuilding the trampoline.
func TestLifecycleS2(t *testing.T) {
	h, err := detour.Hook(add5, add10, detour.Options{})
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Enable())
	require.Equal(t, 11, add5(1))

	require.NoError(t, h.SetDetour(reflectPointer(sub5)))
	require.Equal(t, 0, add5(5))

	tramp := h.Trampoline()
	require.Equal(t, 10, tramp(5))
}

// TestIdempotence verifies repeated Enable/Disable calls collapse to a
// single transition.
func TestIdempotence(t *testing.T) {
	h, err := detour.Hook(add5, add10, detour.Options{})
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Enable())
	require.NoError(t, h.Enable())
	require.True(t, h.IsEnabled())

	require.NoError(t, h.Disable())
	require.NoError(t, h.Disable())
	require.False(t, h.IsEnabled())
}

// TestOverlappingDetourRejected verifies two detours on the same target
// construct fine independently, but the second Enable fails once the
// first is installed.
func TestOverlappingDetourRejected(t *testing.T) {
	first, err := detour.Hook(add5, add10, detour.Options{})
	require.NoError(t, err)
	defer first.Close()

	second, err := detour.Hook(add5, sub5, detour.Options{})
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Enable())
	err = second.Enable()
	require.Error(t, err)
	require.ErrorIs(t, err, detour.ErrOverlappingDetour)
}

// TestCloseDisablesAndRestores verifies dropping a handle via Close
// without an explicit Disable still restores the target.
func TestCloseDisablesAndRestores(t *testing.T) {
	h, err := detour.Hook(add5, add10, detour.Options{})
	require.NoError(t, err)

	require.NoError(t, h.Enable())
	require.Equal(t, 11, add5(1))

	require.NoError(t, h.Close())
	require.Equal(t, 6, add5(1))
}

func TestClosedDetourRejectsFurtherOperations(t *testing.T) {
	h, err := detour.Hook(add5, add10, detour.Options{})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	err = h.Enable()
	require.Error(t, err)
	require.ErrorIs(t, err, detour.ErrAlreadyInState)
}

func reflectPointer(fn func(int) int) uintptr {
	return reflect.ValueOf(fn).Pointer()
}
