package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/credit"
)

// CreditBalance returns total and spendable balance for an account.
func CreditBalance(eng *credit.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := mux.Vars(r)["accountId"]
		writeJSON(w, http.StatusOK, map[string]any{
			"accountId": accountID,
			"balance":   eng.Balance(accountID),
			"available": eng.Available(accountID),
		})
	}
}

// CreditHistory returns an account's transactions in ledger order.
func CreditHistory(eng *credit.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := mux.Vars(r)["accountId"]
		history, err := eng.History(r.Context(), accountID)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accountId":    accountID,
			"transactions": history,
		})
	}
}

// LedgerSnapshot dumps the full ledger.
func LedgerSnapshot(eng *credit.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := eng.Snapshot(r.Context())
		if err != nil {
			apierr.Write(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":        len(snapshot),
			"transactions": snapshot,
		})
	}
}

// LedgerVerify recomputes the hash chain end to end.
func LedgerVerify(eng *credit.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checked, err := eng.VerifyChain(r.Context())
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"valid":   false,
				"checked": checked,
				"error":   err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "checked": checked})
	}
}
