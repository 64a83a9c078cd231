//go:build property
// +build property

package statemachine

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestValidateTransition_MatchesMatrix checks, over random transition tables,
// that a transition is accepted iff the target is in allowed[current].
func TestValidateTransition_MatchesMatrix(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("accept iff target in allowed[current]", prop.ForAll(
		func(edges []int, current int, target int) bool {
			const n = 5
			states := make(map[string][]string, n)
			name := func(i int) string { return fmt.Sprintf("S%d", i) }
			for i := 0; i < n; i++ {
				states[name(i)] = nil
			}
			allowed := make(map[[2]int]bool)
			for i := 0; i+1 < len(edges); i += 2 {
				from, to := edges[i]%n, edges[i+1]%n
				if !allowed[[2]int{from, to}] {
					allowed[[2]int{from, to}] = true
					states[name(from)] = append(states[name(from)], name(to))
				}
			}
			current, target = current%n, target%n
			reachable := false
			for k := range allowed {
				if k[1] == target {
					reachable = true
				}
			}
			if !reachable {
				return true
			}

			hist := newMemHistory()
			if current != 0 {
				hist.put("t", "d", "e", name(current))
			}
			reg, err := NewRegistry(hist, Definition{
				Domain:       "d",
				Version:      "1.0.0",
				InitialState: name(0),
				States:       states,
				Operations:   map[string]OperationDef{"op": {Target: name(target)}},
			})
			if err != nil {
				return false
			}
			tr, err := reg.ValidateTransition(context.Background(), "d", "op", map[string]any{"entity_id": "e"}, "t")
			want := allowed[[2]int{current, target}]
			return tr.Allowed == want && (err == nil) == want
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
