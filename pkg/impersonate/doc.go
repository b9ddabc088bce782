// Package impersonate implements delegated impersonation.
//
// An admin requests to act as a target user. The target receives a
// confirmation link out of band; until they follow it the request sits in
// awaiting_confirmation. Once confirmed, the admin exchanges the request for
// a session that acts as the target while recording who really holds it.
// Every state change is compare-and-set, so confirmation and exchange each
// happen at most once per request.
package impersonate
