package entityid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	id, err := Parse("https://ta.example.com")
	require.NoError(t, err)
	require.Equal(t, "https://ta.example.com/.well-known/openid-federation", id.WellKnownURL())
}

func TestParseRejectsNonHTTPS(t *testing.T) {
	_, err := Parse("http://ta.example.com")
	require.Error(t, err)
}

func TestParseRejectsQueryAndFragment(t *testing.T) {
	_, err := Parse("https://ta.example.com/?x=1")
	require.Error(t, err)

	_, err = Parse("https://ta.example.com/#frag")
	require.Error(t, err)
}
