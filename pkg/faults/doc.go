// Package faults classifies failures from stages and collaborators into
// retry decisions: an error kind, a severity, a retry strategy with budget
// and base delay, and whether a human needs to look at it.
//
// Resolution order is typed errors first, then a keyword scan of the
// lowercased message, then a medium/exponential default.
package faults
