// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package realm holds the live tree of component instances and the
// per-instance lifecycle state.
//
// The [Tree] owns the root [Instance]; each instance owns its children.
// A child refers to its parent only by instance moniker and reaches it
// through [Tree.Find], so no instance holds a strong pointer upward.
//
// Locking is per instance. Each instance has three locks:
//
//   - mu guards state, decl, children and the destroying flag. It is
//     never held across a suspension point.
//   - resolveMu serializes manifest resolution of that instance. No
//     other realm lock is acquired while it is held.
//   - the action lock ([Instance.LockAction]) serializes lifecycle
//     actions. It is acquired ancestor before descendant only.
//
// There is no tree-wide lock. [Tree.Find] walks from the root taking
// one instance's mu at a time.
//
// Destroying a subtree first marks every node in it destroying, so
// Find stops returning any of them, then tears nodes down in post-order.
// A node whose program does not stop in time is recorded in the
// pending-destroy set ([Tree.PendingDestroy]) rather than dropped.
package realm
