package conversation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeTurns(n int) []Turn {
	out := []Turn{{Role: RoleSystem, Content: "sys"}}
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		out = append(out, Turn{Role: role, Content: fmt.Sprintf("t%d", i)})
	}
	return out
}

func TestTruncate_UnderBoundIsCopy(t *testing.T) {
	in := makeTurns(3)
	out := Truncate(in, 5)
	require.Equal(t, in, out)

	out[1].Content = "changed"
	require.Equal(t, "t0", in[1].Content)
}

func TestTruncate_KeepsSystemAndMostRecent(t *testing.T) {
	in := makeTurns(10)
	out := Truncate(in, 4)
	require.Len(t, out, 5)
	require.Equal(t, RoleSystem, out[0].Role)
	require.Equal(t, []string{"t6", "t7", "t8", "t9"}, contents(out[1:]))
	require.Len(t, in, 11)
}

func TestTruncate_ZeroHistoryKeepsOnlySystem(t *testing.T) {
	out := Truncate(makeTurns(3), 0)
	require.Len(t, out, 1)
	require.Equal(t, RoleSystem, out[0].Role)
}

func TestTruncate_NegativeBoundClamped(t *testing.T) {
	out := Truncate(makeTurns(3), -7)
	require.Len(t, out, 1)
	require.Equal(t, "sys", out[0].Content)
}

func contents(turns []Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Content)
	}
	return out
}
