package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smartrx/reward-engine/catalog"
	"github.com/smartrx/reward-engine/ledger"
)

func TestWriteDomainError_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown rule", fmt.Errorf("resolve: %w", catalog.ErrRuleNotFound), http.StatusNotFound, "rule_not_found"},
		{"inactive rule", fmt.Errorf("resolve: %w", catalog.ErrRuleInactive), http.StatusBadRequest, "rule_inactive"},
		{"unknown user", fmt.Errorf("lookup: %w", ledger.ErrUserNotFound), http.StatusNotFound, "user_not_found"},
		{"insufficient balance", &ledger.InsufficientBalanceError{UserID: "u"}, http.StatusPaymentRequired, "insufficient_balance"},
		{"unsupported pair", &ledger.UnsupportedConversionError{From: ledger.Money, To: ledger.Cashable}, http.StatusBadRequest, "unsupported_conversion"},
		{"contention", ledger.ErrContention, http.StatusServiceUnavailable, "contention"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, tc.err)

			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Code != tc.code {
				t.Errorf("code = %q, want %q", resp.Code, tc.code)
			}
		})
	}
}
