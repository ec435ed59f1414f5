package fingerprint

import "testing"

func TestNode_OrderIndependence(t *testing.T) {
	a := Node("dep", "src", "base", "base",
		[]string{"fp1", "fp2"}, map[string]string{"x": "1", "y": "2"})
	b := Node("dep", "src", "base", "base",
		[]string{"fp2", "fp1"}, map[string]string{"y": "2", "x": "1"})
	if a != b {
		t.Error("upstream and input ordering must not affect the fingerprint")
	}
}

func TestNode_DeploymentSalt(t *testing.T) {
	a := Node("dep-a", "src", "base", "base", nil, nil)
	b := Node("dep-b", "src", "base", "base", nil, nil)
	if a == b {
		t.Error("different deployment ids must not share fingerprints")
	}
}

func TestNode_InputSensitivity(t *testing.T) {
	base := Node("d", "src", "base", "base", nil, map[string]string{"p": "1"})
	cases := []Fingerprint{
		Node("d", "src2", "base", "base", nil, map[string]string{"p": "1"}),
		Node("d", "src", "materialize", "base", nil, map[string]string{"p": "1"}),
		Node("d", "src", "base", "other", nil, map[string]string{"p": "1"}),
		Node("d", "src", "base", "base", []string{"up"}, map[string]string{"p": "1"}),
		Node("d", "src", "base", "base", nil, map[string]string{"p": "2"}),
	}
	for i, fp := range cases {
		if fp == base {
			t.Errorf("case %d: expected a distinct fingerprint", i)
		}
	}
}

func TestHasher_NullDistinctFromEmpty(t *testing.T) {
	a := New("d").Null().Sum()
	b := New("d").String("").Sum()
	if a == b {
		t.Error("absent marker must differ from empty string")
	}
}

func TestHasher_NoConcatenationAmbiguity(t *testing.T) {
	// Length-prefixing keeps ("ab","c") distinct from ("a","bc").
	a := New("d").String("ab").String("c").Sum()
	b := New("d").String("a").String("bc").Sum()
	if a == b {
		t.Error("length-prefixed encoding must prevent boundary ambiguity")
	}
}

func TestFingerprint_HexStable(t *testing.T) {
	fp := Source("SELECT 1\n")
	if len(fp.Hex()) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(fp.Hex()))
	}
	if fp.Hex() != Source("SELECT 1\n").Hex() {
		t.Error("source fingerprint must be deterministic")
	}
}
