package users

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSiteIDs(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "null", raw: "null", want: nil},
		{name: "strings", raw: `["s1", " s2 ", ""]`, want: []string{"s1", "s2"}},
		{name: "numbers", raw: `[3, 14]`, want: []string{"3", "14"}},
		{name: "mixed", raw: `["north", 7]`, want: []string{"north", "7"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSiteIDs([]byte(tc.raw))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseSiteIDsRejectsObjects(t *testing.T) {
	_, err := ParseSiteIDs([]byte(`[{"id": 1}]`))
	require.Error(t, err)
	_, err = ParseSiteIDs([]byte(`{"id": 1}`))
	require.Error(t, err)
}

func TestUserHelpers(t *testing.T) {
	u := &User{ID: "1", PasswordHash: "x", SiteIDs: []string{"s1"}}
	require.True(t, u.HasPassword())
	require.True(t, u.HasSite("s1"))
	require.False(t, u.HasSite("s2"))

	var missing *User
	require.False(t, missing.HasPassword())
	require.False(t, missing.HasSite("s1"))
}
