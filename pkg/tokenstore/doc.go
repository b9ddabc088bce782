// Package tokenstore owns the lifecycle data of the authentication core:
// pending verifications issued after a password check, impersonation requests
// awaiting out-of-band confirmation, and session revocations.
//
// No other package mutates these records directly. Every state change goes
// through a compare-and-set method on the repository interfaces, which is what
// guarantees that a pending verification is consumed at most once and that two
// racing confirmation attempts on the same request observe exactly one success.
//
// Two implementations are provided: InMemTokenStore for development and tests,
// and PostgresTokenStore, which expresses the compare-and-set discipline as
// conditional UPDATE statements.
package tokenstore
