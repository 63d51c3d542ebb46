// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package guide implements the differentiable cost used to steer the diffusion sampler: a penalty for
// end-effector positions that come within a safety margin of an axis-aligned obstacle, optionally
// combined with pick-and-place terms (grasp, target, smoothness and speed).
//
// The cost is built as a GoMLX computation graph (see Terms and Loss), so it can be embedded in the
// sampler's graph and differentiated with respect to the trajectories. Evaluator wraps it for
// direct use on tensors, including diagnostics and gradients.
//
// Trajectories are shaped [batch, horizon, action_dim+observation_dim], with each row laid out as
// [action | observation] in normalized units. The per-step obstacle penalty is
//
//	sum_axis max(0, margin - (|p - center| - half_extent))^2 * scale
//
// optionally gated to the steps moving towards the obstacle center, weighted per step and averaged
// over the horizon.
package guide
