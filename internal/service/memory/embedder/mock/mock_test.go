package mock

import (
	"context"
	"math"
	"testing"
)

func TestEmbedIsDeterministicUnitVector(t *testing.T) {
	e := New(24)
	a, _ := e.Embed(context.Background(), "Hello world")
	b, _ := e.Embed(context.Background(), "  hello WORLD ")
	c, _ := e.Embed(context.Background(), "something else")
	if len(a) != 24 || e.Dimensions() != 24 {
		t.Fatalf("unexpected dimensions %d", len(a))
	}
	var norm float64
	same := true
	for i := range a {
		norm += float64(a[i]) * float64(a[i])
		if a[i] != b[i] {
			same = false
		}
	}
	if !same {
		t.Fatalf("equal texts must embed equally")
	}
	if math.Abs(norm-1) > 1e-4 {
		t.Fatalf("expected unit vector, norm=%f", norm)
	}
	if a[0] == c[0] && a[1] == c[1] {
		t.Fatalf("different texts produced the same vector")
	}
}
