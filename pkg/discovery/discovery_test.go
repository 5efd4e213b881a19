package discovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/regtruth/pkg/discovery"
	"github.com/Mindburn-Labs/regtruth/pkg/store/storetest"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"HTTPS://Narodne-Novine.NN.hr:443/clanci/sluzbeni/../sluzbeni/2025_01_1.html#top",
			"https://narodne-novine.nn.hr/clanci/sluzbeni/2025_01_1.html"},
		{"http://example.test", "http://example.test/"},
		{"http://example.test:8080/a/", "http://example.test:8080/a/"},
		{"https://example.test/search?b=2&a=1&utm_source=mail", "https://example.test/search?a=1&b=2"},
		{"https://porezna-uprava.hr./x", "https://porezna-uprava.hr/x"},
		{"https://bücher.example/", "https://xn--bcher-kva.example/"},
	}
	for _, tt := range tests {
		got, err := discovery.Canonicalize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestCanonicalize_Invalid(t *testing.T) {
	for _, in := range []string{"", "ftp://example.test/x", "/relative/path", "https://"} {
		_, err := discovery.Canonicalize(in)
		assert.ErrorIs(t, err, discovery.ErrInvalidURL, in)
	}
}

func TestRecord_Idempotent(t *testing.T) {
	db := storetest.Open(t)
	reg := discovery.NewRegistry(db).WithClock(func() time.Time { return storetest.Date(2026, 1, 1) })
	ctx := context.Background()

	rec, isNew, err := reg.Record(ctx, "nn-sluzbeni", "https://example.test/a?y=1&x=2")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "https://example.test/a?x=2&y=1", rec.URL)

	_, isNew, err = reg.Record(ctx, "nn-sluzbeni", "HTTPS://EXAMPLE.test/a?x=2&y=1#frag")
	require.NoError(t, err)
	assert.False(t, isNew)

	_, isNew, err = reg.Record(ctx, "porezna", "https://example.test/a?x=2&y=1")
	require.NoError(t, err)
	assert.True(t, isNew, "dedup is per endpoint")

	all, err := reg.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, _, err = reg.Record(ctx, "", "https://example.test/")
	assert.Error(t, err)
}
