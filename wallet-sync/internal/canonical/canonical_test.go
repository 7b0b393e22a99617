package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/stampwise/loyalty/wallet-sync/internal/canonical"
)

func TestCanonicalSortedKeys(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1}
	b := map[string]interface{}{"a": 1, "b": 2}

	ca, err := canonical.Marshal(a)
	if err != nil {
		t.Fatalf("canonical.Marshal(a) error: %v", err)
	}
	cb, err := canonical.Marshal(b)
	if err != nil {
		t.Fatalf("canonical.Marshal(b) error: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical outputs differ:\nA: %s\nB: %s", ca, cb)
	}
	if string(ca) != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical form %s", ca)
	}
}

func TestCanonicalStringMap(t *testing.T) {
	manifest := map[string]string{
		"pass.json": "aa",
		"icon.png":  "bb",
	}
	out, err := canonical.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if string(out) != `{"icon.png":"bb","pass.json":"aa"}` {
		t.Fatalf("unexpected manifest encoding %s", out)
	}
	var back map[string]string
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("canonical output is not valid JSON: %v", err)
	}
}

func TestFingerprintStableForStructs(t *testing.T) {
	type sample struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	f1, err := canonical.Fingerprint(sample{Name: "x", Count: 3})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	f2, _ := canonical.Fingerprint(map[string]interface{}{"count": 3, "name": "x"})
	if f1 != f2 {
		t.Fatalf("struct and map fingerprints differ: %s vs %s", f1, f2)
	}
	if len(f1) != 64 {
		t.Fatalf("expected sha256 hex, got %q", f1)
	}
}
