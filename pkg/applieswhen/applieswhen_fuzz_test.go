package applieswhen_test

import (
	"testing"

	"github.com/Mindburn-Labs/regtruth/pkg/applieswhen"
)

func FuzzParse(f *testing.F) {
	f.Add([]byte(`{"op":"true"}`))
	f.Add([]byte(`{"op":"and","args":[{"op":"cmp","field":"a","cmp":"eq","value":1}]}`))
	f.Add([]byte(`{"op":"not","arg":{"op":"concept_ref","concept":"vat-rate"}}`))
	f.Add([]byte(`{"op":"cmp","field":"x","cmp":"in","value":["a",2,true]}`))
	f.Add([]byte(`{"op":"or","args":[]}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		n, err := applieswhen.Parse(data)
		if err != nil {
			return
		}
		canon, err := applieswhen.Encode(n)
		if err != nil {
			t.Fatalf("encode of accepted expression failed: %v", err)
		}
		again, err := applieswhen.Canonical(canon)
		if err != nil {
			t.Fatalf("canonical form rejected: %v", err)
		}
		if string(again) != string(canon) {
			t.Fatalf("canonical form not stable:\n%s\n%s", canon, again)
		}
		if _, err := applieswhen.ToCEL(n); err != nil {
			t.Fatalf("accepted expression has no CEL form: %v", err)
		}
	})
}
