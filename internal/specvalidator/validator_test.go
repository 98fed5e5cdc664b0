package specvalidator

import (
	"strings"
	"testing"

	"github.com/neutra-labs/neutra-go/internal/domain"
)

func validSpec() domain.Metadata {
	return domain.Metadata{
		"batches":   int64(100),
		"inactive":  int64(20),
		"particles": int64(10000),
		"seed":      int64(42),
	}
}

func TestValidateSimSpecAccepts(t *testing.T) {
	if err := ValidateSimSpec(validSpec()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateSimSpecAllowsUnknownKeys(t *testing.T) {
	spec := validSpec()
	spec["geometry"] = "pincell"
	spec["tallies"] = []any{map[string]any{"name": "flux"}}
	if err := ValidateSimSpec(spec); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateSimSpecRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(domain.Metadata)
		want   string
	}{
		{"missing batches", func(s domain.Metadata) { delete(s, "batches") }, "batches is required"},
		{"zero batches", func(s domain.Metadata) { s["batches"] = int64(0) }, "batches must be in"},
		{"missing particles", func(s domain.Metadata) { delete(s, "particles") }, "particles is required"},
		{"inactive too large", func(s domain.Metadata) { s["inactive"] = int64(100) }, "smaller than batches"},
		{"negative seed", func(s domain.Metadata) { s["seed"] = int64(-1) }, "seed must be >= 0"},
		{"fractional particles", func(s domain.Metadata) { s["particles"] = 1.5 }, "particles is required"},
	}
	for _, tc := range cases {
		spec := validSpec()
		tc.mutate(spec)
		err := ValidateSimSpec(spec)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestValidateSimSpecEmpty(t *testing.T) {
	if err := ValidateSimSpec(nil); err == nil {
		t.Fatalf("expected error for empty spec")
	}
}
