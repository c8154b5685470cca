// Package loom is a surface-agnostic conversational workflow engine.
//
// A workflow is a finite, possibly branching sequence of steps (choice,
// confirm, text input, info, media) defined as data and driven by the
// Engine. Workflows render through SurfaceAdapter implementations
// (Telegram inline keyboards, Slack block kit, plain-text SMS) without
// any workflow logic knowing which surface it is running on. The
// negotiator maps each abstract interaction primitive to either a
// native rich control or a graceful text fallback based on the
// surface's declared capabilities.
//
// One logical user may be linked to several surfaces. The
// IdentityService maps (surface, surface user id) pairs onto a unified
// user via short-lived link codes, and the Router delivers proactive
// messages to the user's default surface with durable retry. Workflow
// state persists across surfaces, restarts, and hours-long pauses
// through a pluggable store (JSON files, SQLite, or Postgres).
//
// Basic usage:
//
//	eng := loom.NewEngine(store, identity, router)
//	eng.RegisterAdapter(telegram.New(token))
//	if err := eng.RegisterWorkflow(def); err != nil { ... }
//	eng.StartWorkflow(ctx, "wallet-setup", userID, surface, nil)
//
// Incoming transport events enter through the Hooks type, which decodes
// them with the matching adapter and feeds them to Engine.HandleAction.
package loom
