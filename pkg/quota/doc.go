// Package quota caches the remote account's daily download allowance with
// a configurable TTL. Checks are local and cheap; refreshes hit the remote
// source with a short retry and persist a snapshot so restarts do not
// over-consume. Consumption is a local decrement; the remote service stays
// the source of truth.
package quota
