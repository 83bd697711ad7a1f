// Package sync keeps a local replica in step with the sync server.
//
// Overview
//
// A Session owns one websocket at a time. It binds to a path, integrates the
// server history it has not seen, and uploads local journal entries the
// server has not acknowledged:
//
//	local Write ──► journal (origin=local) ──► upload loop ──► server
//	                                                              │
//	db.Apply ◄── download loop ◄── download {changesets} ◄────────┘
//	    │
//	    └──► journal (origin=remote) ──► OnCommit ──► notify.Dispatcher
//
// Positions
//
// Two numbers in the local meta table make reconnects cheap:
//
//   - last_server_version: the bind asks the server for history after it.
//   - last_acked_version: uploads resume after it. Changesets the server
//     integrated but never acked are re-sent; the server drops duplicates.
//
// Reconnects
//
// A failed connection is retried with exponential delay between
// ReconnectMin and ReconnectMax, behind a rate limiter. Errors the server
// marks fatal (bad token, foreign path) stop the session in StateError.
//
// Usage
//
//	s := sync.NewSession(database, sync.Config{
//	    ServerURL: "ws://localhost:7800/sync",
//	    Path:      "~/cars",
//	    User:      user,
//	})
//	s.Start()
//	defer s.Stop()
//
//	if err := s.WaitForInitialRemoteData(ctx); err != nil {
//	    return err
//	}
package sync
