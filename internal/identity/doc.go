// Package identity derives stable machine identities.
//
// An identity is "{host}-{pid}": the lowercased, trimmed hostname joined
// with the process id. Two processes on one host get distinct identities;
// the same process keeps its identity for its whole lifetime, across
// reconnects. When the hostname cannot be determined, "unknown-host" is
// used so the pid still disambiguates.
package identity
