// Package chatsession implements the conversational-session engine: a
// transcript owned by a single Controller, synchronized with a remote agent
// backend through discrete calls (send/reset/load-history) and a realtime
// push channel.
//
// Ownership model:
//   - The Controller is the only writer of session state (transcript,
//     sender identity, agent configuration, phase, last error).
//   - The realtime channel and the preview resolver feed it through
//     callbacks and never mutate controller-owned fields directly.
//   - At most one session-altering transition (send/reset/load) is active
//     at a time; further attempts are rejected with ErrBusy.
package chatsession
