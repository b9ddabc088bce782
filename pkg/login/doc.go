// Package login implements the two stage login flow.
//
// Stage one checks a username/password pair, creates a pending verification
// and delivers a one-time code out of band. Stage two checks the code against
// the pending verification and, exactly once per pending record, issues a
// session token. Wrong codes are counted; the one-time code is stored only as
// a digest and compared in constant time.
package login
