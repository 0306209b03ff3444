package faults

import (
	"errors"
	"strings"
	"time"
)

// Severity ranks how bad a failure is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy selects how retries are spaced
type Strategy string

const (
	StrategyImmediate   Strategy = "immediate"
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exp-backoff"
	StrategyNone        Strategy = "none"
)

// Error kinds known to the engine
const (
	KindNetworkTimeout    = "network_timeout"
	KindNetworkConnection = "network_connection"
	KindNetworkDNS        = "network_dns"
	KindAuthForbidden     = "auth_forbidden"
	KindAuthLogin         = "auth_login"
	KindAuthUnauthorized  = "auth_unauthorized"
	KindNotFound          = "resource_not_found"
	KindDiskSpace         = "system_disk_space"
	KindPermission        = "system_permission"
	KindDataMissing       = "data_missing"
	KindDataInvalid       = "data_invalid"
	KindDownloadLimit     = "download_limit_exhausted"
	KindQuotaExhausted    = "quota_exhausted"
	KindQuotaCheckFailed  = "quota_check_failed"
	KindStatusMismatch    = "status_mismatch"
	KindUnknown           = "unknown"
)

// maxBackoff caps exponential delays
const maxBackoff = 3600 * time.Second

// Info is the classification of one failure: how to retry it, if at all
type Info struct {
	Kind       string
	Severity   Severity
	Strategy   Strategy
	MaxRetries int
	BaseDelay  time.Duration
	Retryable  bool
	NeedsHuman bool
}

// Delay computes the wait before retry number retryCount (0-based)
func (i Info) Delay(retryCount int) time.Duration {
	switch i.Strategy {
	case StrategyImmediate:
		return 0
	case StrategyFixed:
		return i.BaseDelay
	case StrategyExponential:
		d := i.BaseDelay
		for n := 0; n < retryCount; n++ {
			d *= 2
			if d >= maxBackoff {
				return maxBackoff
			}
		}
		if d > maxBackoff {
			d = maxBackoff
		}
		return d
	}
	return 0
}

// pattern maps a lowercase message keyword to its classification.
// Order matters: the first matching entry wins.
type pattern struct {
	keyword string
	info    Info
}

var patterns = []pattern{
	{"timeout", Info{KindNetworkTimeout, SeverityLow, StrategyExponential, 5, 30 * time.Second, true, false}},
	{"connection", Info{KindNetworkConnection, SeverityMedium, StrategyExponential, 3, 60 * time.Second, true, false}},
	{"dns", Info{KindNetworkDNS, SeverityMedium, StrategyFixed, 3, 300 * time.Second, true, false}},
	{"403", Info{KindAuthForbidden, SeverityHigh, StrategyFixed, 2, 3600 * time.Second, true, true}},
	{"login", Info{KindAuthLogin, SeverityHigh, StrategyNone, 0, 0, false, true}},
	{"unauthorized", Info{KindAuthUnauthorized, SeverityHigh, StrategyNone, 0, 0, false, true}},
	{"404", Info{KindNotFound, SeverityLow, StrategyNone, 0, 0, false, false}},
	{"not found", Info{KindNotFound, SeverityLow, StrategyNone, 0, 0, false, false}},
	{"disk space", Info{KindDiskSpace, SeverityCritical, StrategyNone, 0, 0, false, true}},
	{"permission", Info{KindPermission, SeverityHigh, StrategyNone, 0, 0, false, true}},
	{"data_missing", Info{KindDataMissing, SeverityMedium, StrategyNone, 0, 0, false, false}},
	{"data_invalid", Info{KindDataInvalid, SeverityMedium, StrategyNone, 0, 0, false, false}},
	{"quota_exhausted", Info{KindQuotaExhausted, SeverityLow, StrategyNone, 0, 0, false, false}},
	{"quota_check_failed", Info{KindQuotaCheckFailed, SeverityMedium, StrategyExponential, 3, 60 * time.Second, true, false}},
	{"download_limit", Info{KindDownloadLimit, SeverityMedium, StrategyNone, 0, 0, false, true}},
}

// kindInfo indexes the pattern table by kind for ProcessingError lookups
var kindInfo = func() map[string]Info {
	m := make(map[string]Info, len(patterns))
	for _, p := range patterns {
		if _, ok := m[p.info.Kind]; !ok {
			m[p.info.Kind] = p.info
		}
	}
	return m
}()

// defaultInfo is applied when nothing else matches
var defaultInfo = Info{KindUnknown, SeverityMedium, StrategyExponential, 2, 60 * time.Second, true, false}

// Classify maps a failure to its retry decision. Typed errors resolve
// first, then a keyword scan of the lowercased message, then the default.
func Classify(err error) Info {
	if err == nil {
		return defaultInfo
	}

	var mismatch *StatusMismatchError
	if errors.As(err, &mismatch) {
		return Info{KindStatusMismatch, SeverityLow, StrategyNone, 0, 0, false, false}
	}

	var limit *LimitExhaustedError
	if errors.As(err, &limit) {
		return kindInfo[KindDownloadLimit]
	}

	var auth *AuthError
	if errors.As(err, &auth) {
		if auth.Forbidden {
			return kindInfo[KindAuthForbidden]
		}
		return kindInfo[KindAuthLogin]
	}

	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return kindInfo[KindNotFound]
	}

	var proc *ProcessingError
	if errors.As(err, &proc) {
		if info, ok := kindInfo[proc.Kind]; ok {
			return info
		}
		return defaultInfo
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		if info, ok := matchMessage(err.Error()); ok {
			return info
		}
		return kindInfo[KindNetworkConnection]
	}

	if info, ok := matchMessage(err.Error()); ok {
		return info
	}
	return defaultInfo
}

// IsAuth reports whether the failure is auth-family (stage pause trigger)
func IsAuth(err error) bool {
	var auth *AuthError
	if errors.As(err, &auth) {
		return true
	}
	switch Classify(err).Kind {
	case KindAuthForbidden, KindAuthLogin, KindAuthUnauthorized:
		return true
	}
	return false
}

// IsNotFound reports whether the failure is a remote not-found answer
func IsNotFound(err error) bool {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return true
	}
	return Classify(err).Kind == KindNotFound
}

// IsLimitExhausted reports whether the remote download limit was hit
func IsLimitExhausted(err error) bool {
	var limit *LimitExhaustedError
	return errors.As(err, &limit)
}

// IsStatusMismatch reports whether the failure is a stale-state cancellation
func IsStatusMismatch(err error) bool {
	var mismatch *StatusMismatchError
	return errors.As(err, &mismatch)
}

func matchMessage(msg string) (Info, bool) {
	lower := strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(lower, p.keyword) {
			return p.info, true
		}
	}
	return Info{}, false
}
