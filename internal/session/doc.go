// Package session owns the agent's single active debugging session: the
// session id named in the `initialize` command, its cancellation context,
// and a small key/value scratch map (Set/Get) scoped to the session. Unlike a
// connection-serving system, the agent never serves more than one session
// concurrently, so there is no sharded session table — a new `initialize`
// simply cancels and replaces whatever session was active.
package session
