package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const ctxCostKey contextKey = "parsed_cost"

// TaskTypeChecker rejects unknown task types before the handler runs.
type TaskTypeChecker interface {
	Known(taskType string) bool
}

// parsedCost is stored in context so the handler can read the escrow total
// without re-parsing the body.
type parsedCost struct {
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
	TaskType       string `json:"task_type"`
}

// TotalCostFromCtx returns unit price times quantity as parsed by CostCheck,
// or 0 if not set.
func TotalCostFromCtx(ctx context.Context) int64 {
	if c, ok := ctx.Value(ctxCostKey).(*parsedCost); ok {
		return c.UnitPriceCents * int64(c.Quantity)
	}
	return 0
}

// CostCheck validates the create-task amounts and task type. Reads the body
// to extract unit price and quantity, then replaces r.Body so downstream
// handlers can re-read it.
func CostCheck(types TaskTypeChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek parsedCost
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if peek.UnitPriceCents <= 0 {
				http.Error(w, `{"error":"unit_price_cents must be > 0"}`, http.StatusBadRequest)
				return
			}
			if peek.Quantity <= 0 {
				http.Error(w, `{"error":"quantity must be > 0"}`, http.StatusBadRequest)
				return
			}
			if types != nil && !types.Known(peek.TaskType) {
				http.Error(w, fmt.Sprintf(`{"error":"task type %q is not supported"}`, peek.TaskType), http.StatusBadRequest)
				return
			}

			ctx := context.WithValue(r.Context(), ctxCostKey, &peek)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
