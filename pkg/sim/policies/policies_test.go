// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package policies

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/gomlx/guidedplanner/pkg/geometry"
	"github.com/gomlx/guidedplanner/pkg/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptedPoliciesSolveTasks(t *testing.T) {
	for _, name := range sim.Names() {
		for seed := range uint64(3) {
			env, err := sim.Make(name, seed)
			require.NoError(t, err)
			policy, err := For(env)
			require.NoError(t, err)

			obs := env.Reset()
			solved := false
			for range 400 {
				action := policy.Action(obs)
				require.Len(t, action, sim.ActionDim)
				for _, v := range action {
					require.LessOrEqual(t, v, 1.0)
					require.GreaterOrEqual(t, v, -1.0)
				}
				result, err := env.Step(action)
				require.NoError(t, err)
				if wall, ok := env.Obstacle(); ok {
					require.Falsef(t, wall.Contains(env.Scene().Hand), "task %q: hand inside the wall", name)
				}
				obs = result.Observation
				if result.Success {
					solved = true
					break
				}
			}
			assert.Truef(t, solved, "task %q (seed %d) not solved by its scripted policy", name, seed)
		}
	}
}

func TestRoute(t *testing.T) {
	wall := geometry.MustNewBox(r3.Vector{Y: 0.5, Z: 0.1}, r3.Vector{X: 0.2, Y: 0.01, Z: 0.1})
	hand := r3.Vector{Y: 0.3, Z: 0.1}
	target := r3.Vector{Y: 0.7, Z: 0.1}
	crossZ := wall.Max().Z + WallClearance

	// Climb first.
	assert.Equal(t, r3.Vector{Y: 0.3, Z: crossZ}, route(&wall, hand, target))
	// Then cross over.
	hand.Z = crossZ
	assert.Equal(t, r3.Vector{Y: 0.7, Z: crossZ}, route(&wall, hand, target))
	// Direct once the wall is behind.
	hand.Y = 0.6
	assert.Equal(t, target, route(&wall, hand, target))
	// No wall, no detour.
	assert.Equal(t, target, route(nil, r3.Vector{Y: 0.3, Z: 0.1}, target))
}
