package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyKeywords(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   string
		wantSev    Severity
		wantStrat  Strategy
		wantRetry  bool
		wantHuman  bool
		maxRetries int
		baseDelay  time.Duration
	}{
		{
			name:       "timeout",
			err:        errors.New("read timeout after 30s"),
			wantKind:   KindNetworkTimeout,
			wantSev:    SeverityLow,
			wantStrat:  StrategyExponential,
			wantRetry:  true,
			maxRetries: 5,
			baseDelay:  30 * time.Second,
		},
		{
			name:       "connection refused",
			err:        errors.New("connection refused"),
			wantKind:   KindNetworkConnection,
			wantSev:    SeverityMedium,
			wantStrat:  StrategyExponential,
			wantRetry:  true,
			maxRetries: 3,
			baseDelay:  60 * time.Second,
		},
		{
			name:       "dns failure",
			err:        errors.New("dns lookup failed"),
			wantKind:   KindNetworkDNS,
			wantSev:    SeverityMedium,
			wantStrat:  StrategyFixed,
			wantRetry:  true,
			maxRetries: 3,
			baseDelay:  300 * time.Second,
		},
		{
			name:       "http 403",
			err:        errors.New("server returned 403"),
			wantKind:   KindAuthForbidden,
			wantSev:    SeverityHigh,
			wantStrat:  StrategyFixed,
			wantRetry:  true,
			wantHuman:  true,
			maxRetries: 2,
			baseDelay:  3600 * time.Second,
		},
		{
			name:      "login failed",
			err:       errors.New("login failed"),
			wantKind:  KindAuthLogin,
			wantSev:   SeverityHigh,
			wantStrat: StrategyNone,
			wantHuman: true,
		},
		{
			name:      "unauthorized",
			err:       errors.New("request unauthorized"),
			wantKind:  KindAuthUnauthorized,
			wantSev:   SeverityHigh,
			wantStrat: StrategyNone,
			wantHuman: true,
		},
		{
			name:      "404",
			err:       errors.New("got 404 from server"),
			wantKind:  KindNotFound,
			wantSev:   SeverityLow,
			wantStrat: StrategyNone,
		},
		{
			name:      "not found text",
			err:       errors.New("book not found"),
			wantKind:  KindNotFound,
			wantSev:   SeverityLow,
			wantStrat: StrategyNone,
		},
		{
			name:      "disk space",
			err:       errors.New("no disk space left"),
			wantKind:  KindDiskSpace,
			wantSev:   SeverityCritical,
			wantStrat: StrategyNone,
			wantHuman: true,
		},
		{
			name:      "permission denied",
			err:       errors.New("permission denied"),
			wantKind:  KindPermission,
			wantSev:   SeverityHigh,
			wantStrat: StrategyNone,
			wantHuman: true,
		},
		{
			name:      "data missing",
			err:       errors.New("data_missing: no author"),
			wantKind:  KindDataMissing,
			wantSev:   SeverityMedium,
			wantStrat: StrategyNone,
		},
		{
			name:      "quota exhausted",
			err:       errors.New("quota_exhausted"),
			wantKind:  KindQuotaExhausted,
			wantSev:   SeverityLow,
			wantStrat: StrategyNone,
		},
		{
			name:       "quota check failed",
			err:        errors.New("quota_check_failed: upstream 500"),
			wantKind:   KindQuotaCheckFailed,
			wantSev:    SeverityMedium,
			wantStrat:  StrategyExponential,
			wantRetry:  true,
			maxRetries: 3,
			baseDelay:  60 * time.Second,
		},
		{
			name:      "download limit",
			err:       errors.New("download_limit reached"),
			wantKind:  KindDownloadLimit,
			wantSev:   SeverityMedium,
			wantStrat: StrategyNone,
			wantHuman: true,
		},
		{
			name:       "unknown default",
			err:        errors.New("something odd happened"),
			wantKind:   KindUnknown,
			wantSev:    SeverityMedium,
			wantStrat:  StrategyExponential,
			wantRetry:  true,
			maxRetries: 2,
			baseDelay:  60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Classify(tt.err)
			assert.Equal(t, tt.wantKind, info.Kind)
			assert.Equal(t, tt.wantSev, info.Severity)
			assert.Equal(t, tt.wantStrat, info.Strategy)
			assert.Equal(t, tt.wantRetry, info.Retryable)
			assert.Equal(t, tt.wantHuman, info.NeedsHuman)
			if tt.maxRetries > 0 {
				assert.Equal(t, tt.maxRetries, info.MaxRetries)
				assert.Equal(t, tt.baseDelay, info.BaseDelay)
			}
		})
	}
}

func TestClassifyKeywordOrder(t *testing.T) {
	// "connection timeout" contains both keywords; timeout wins by table order
	info := Classify(errors.New("connection timeout"))
	assert.Equal(t, KindNetworkTimeout, info.Kind)
}

func TestClassifyTypedErrors(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{"network wraps cause", &NetworkError{Op: "search", Cause: errors.New("socket closed")}, KindNetworkConnection},
		{"network with timeout message", &NetworkError{Op: "fetch", Cause: errors.New("i/o timeout")}, KindNetworkTimeout},
		{"auth login", &AuthError{Message: "session expired"}, KindAuthLogin},
		{"auth forbidden", &AuthError{Message: "access denied", Forbidden: true}, KindAuthForbidden},
		{"not found", &NotFoundError{Resource: "book detail"}, KindNotFound},
		{"limit exhausted", &LimitExhaustedError{ResetAt: &now}, KindDownloadLimit},
		{"processing with kind", &ProcessingError{Kind: KindDataInvalid, Message: "bad year"}, KindDataInvalid},
		{"processing unknown kind", &ProcessingError{Kind: "weird", Message: "?"}, KindUnknown},
		{"status mismatch", &StatusMismatchError{ItemID: 1, Stage: "search", Status: "COMPLETED"}, KindStatusMismatch},
		{"wrapped typed error", fmt.Errorf("failed to upload: %w", &AuthError{Message: "login required"}), KindAuthLogin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, Classify(tt.err).Kind)
		})
	}
}

func TestDelay(t *testing.T) {
	exp := Info{Strategy: StrategyExponential, BaseDelay: 30 * time.Second}
	assert.Equal(t, 30*time.Second, exp.Delay(0))
	assert.Equal(t, 60*time.Second, exp.Delay(1))
	assert.Equal(t, 120*time.Second, exp.Delay(2))
	// capped at one hour
	assert.Equal(t, 3600*time.Second, exp.Delay(20))

	fixed := Info{Strategy: StrategyFixed, BaseDelay: 300 * time.Second}
	assert.Equal(t, 300*time.Second, fixed.Delay(0))
	assert.Equal(t, 300*time.Second, fixed.Delay(5))

	assert.Equal(t, time.Duration(0), Info{Strategy: StrategyImmediate}.Delay(3))
	assert.Equal(t, time.Duration(0), Info{Strategy: StrategyNone}.Delay(0))
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsAuth(&AuthError{Message: "nope"}))
	assert.True(t, IsAuth(errors.New("401 unauthorized")))
	assert.False(t, IsAuth(errors.New("timeout")))

	assert.True(t, IsLimitExhausted(&LimitExhaustedError{}))
	assert.False(t, IsLimitExhausted(errors.New("download_limit")))

	assert.True(t, IsStatusMismatch(&StatusMismatchError{}))
	assert.False(t, IsStatusMismatch(errors.New("boom")))
}
