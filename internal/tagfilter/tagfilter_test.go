package tagfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func mustParse(t *testing.T, input string) Expr {
	t.Helper()
	expr, err := Parse(input)
	require.NoError(t, err, "parse %q", input)
	return expr
}

func TestParse_Matches(t *testing.T) {
	tests := []struct {
		expr string
		tags []string
		want bool
	}{
		{"web", []string{"web"}, true},
		{"web", []string{"db"}, false},
		{"web+prod", []string{"web", "prod"}, true},
		{"web+prod", []string{"web"}, false},
		{"web,db", []string{"db"}, true},
		{"web,db", []string{"cache"}, false},
		{"web || db", []string{"db"}, true},
		{"web && prod", []string{"web", "prod"}, true},
		{"web and prod", []string{"web"}, false},
		{"web or db", []string{"db"}, true},
		{"!web", []string{"db"}, true},
		{"!web", []string{"web"}, false},
		{"not web", []string{"web"}, false},
		{"(web,db)+prod", []string{"db", "prod"}, true},
		{"(web,db)+prod", []string{"db"}, false},
		{"web,db+prod", []string{"web"}, true},      // and binds tighter than or
		{"web,db+prod", []string{"db"}, false},      // db alone fails the and branch
		{"!db+web", []string{"web"}, true},          // not binds tighter than and
		{"!(db+web)", []string{"web"}, true},
		{"!(db,web)", []string{"web"}, false},
		{"  web +  prod ", []string{"web", "prod"}, true},
		{"", []string{"anything"}, true}, // empty filter admits everything
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			expr := mustParse(t, tt.expr)
			assert.Equal(t, tt.want, expr.Matches(TagSet(tt.tags)))
		})
	}
}

func TestParse_Errors(t *testing.T) {
	bad := []string{
		"web+",
		"+web",
		"(web",
		"web)",
		"web | db",
		"web & db",
		"!",
		"web db",
		"web,,db",
		"web$",
	}
	for _, input := range bad {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestAnyOf(t *testing.T) {
	expr := AnyOf([]string{"a", " b ", ""})
	assert.True(t, expr.Matches(TagSet([]string{"b"})))
	assert.False(t, expr.Matches(TagSet([]string{"c"})))

	assert.Equal(t, MatchAll, AnyOf(nil))
}

func TestMatchAll(t *testing.T) {
	assert.True(t, MatchAll.Matches(nil))
	assert.True(t, MatchAll.Matches(TagSet([]string{"x"})))
}

// Parse+evaluate is a pure function: repeated evaluation of the same
// expression against the same tag set always yields the same decision, and
// the canonical rendering reparses to an equivalent expression.
func TestEvaluationIsPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := []string{"web", "db", "prod", "dev", "cache"}
		ops := []string{",", "+", "||", "&&", " or ", " and "}

		// Build a random well-formed expression.
		expr := rapid.SampledFrom(names).Draw(t, "first")
		depth := rapid.IntRange(0, 6).Draw(t, "depth")
		for i := 0; i < depth; i++ {
			op := rapid.SampledFrom(ops).Draw(t, "op")
			operand := rapid.SampledFrom(names).Draw(t, "operand")
			if rapid.Bool().Draw(t, "negate") {
				operand = "!" + operand
			}
			if rapid.Bool().Draw(t, "wrap") {
				expr = "(" + expr + ")" + op + operand
			} else {
				expr = expr + op + operand
			}
		}

		parsed, err := Parse(expr)
		require.NoError(t, err)

		tags := TagSet(rapid.SliceOfDistinct(rapid.SampledFrom(names), rapid.ID[string]).Draw(t, "tags"))
		first := parsed.Matches(tags)
		for i := 0; i < 3; i++ {
			require.Equal(t, first, parsed.Matches(tags))
		}

		// Canonical form is stable under reparse.
		reparsed, err := Parse(parsed.String())
		require.NoError(t, err)
		require.Equal(t, first, reparsed.Matches(tags))
	})
}
