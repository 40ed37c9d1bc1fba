package services

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const reviewSchema = `{
  "type": "object",
  "required": ["product_url", "min_words"],
  "properties": {
    "product_url": {"type": "string"},
    "min_words": {"type": "integer", "minimum": 10}
  },
  "additionalProperties": false
}`

func newTestRequirements(t *testing.T) *Requirements {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "product_review.json"), []byte(reviewSchema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	r, err := NewRequirements(dir)
	if err != nil {
		t.Fatalf("NewRequirements: %v", err)
	}
	return r
}

func TestRequirementsKnown(t *testing.T) {
	r := newTestRequirements(t)
	if !r.Known("product_review") {
		t.Error("product_review should be registered")
	}
	if r.Known("crypto_mining") {
		t.Error("unknown type should not be registered")
	}
}

func TestRequirementsValidate(t *testing.T) {
	r := newTestRequirements(t)

	good := json.RawMessage(`{"product_url":"https://example.com","min_words":50}`)
	if err := r.Validate("product_review", good); err != nil {
		t.Errorf("valid requirements rejected: %v", err)
	}

	cases := []struct {
		name string
		doc  string
	}{
		{"missing field", `{"product_url":"https://example.com"}`},
		{"below minimum", `{"product_url":"https://example.com","min_words":1}`},
		{"extra field", `{"product_url":"x","min_words":50,"bonus":true}`},
		{"not JSON", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate("product_review", json.RawMessage(tc.doc))
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got: %v", err)
			}
		})
	}
}

func TestRequirementsUnknownType(t *testing.T) {
	r := newTestRequirements(t)
	err := r.Validate("crypto_mining", json.RawMessage(`{}`))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown type, got: %v", err)
	}
}
