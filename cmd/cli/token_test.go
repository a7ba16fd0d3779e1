package cli

import (
	"bytes"
	"testing"
	"time"

	"changedesk/internal/middleware"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildClaims_SignedTokenResolvesActor(t *testing.T) {
	now := time.Now()
	claims := buildClaims("mgr-7", "org-1", []string{"manager"}, nil, now, 10, false)
	raw, err := middleware.SignHS256(claims, "s3cret")
	require.NoError(t, err)

	tok, err := middleware.ParseHS256(raw, "s3cret", now)
	require.NoError(t, err)
	assert.Equal(t, "mgr-7", tok.Subject())
	assert.Equal(t, "org-1", tok.OrgID())

	_, err = middleware.ParseHS256(raw, "s3cret", now.Add(11*time.Minute))
	assert.ErrorIs(t, err, middleware.ErrTokenExpired)
}

func TestBuildClaims(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	claims := buildClaims(" alice ", "", splitList("manager, ,member"), splitList(""), now, 5, false)
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, "alice", claims["user_id"])
	assert.Equal(t, []string{"manager", "member"}, claims["roles"])
	assert.NotContains(t, claims, "org_id")
	assert.NotContains(t, claims, "perms")
	assert.Equal(t, now.Add(5*time.Minute).Unix(), claims["exp"])

	noExp := buildClaims("bob", "o", nil, nil, now, 5, true)
	assert.NotContains(t, noExp, "exp")
	assert.Equal(t, "o", noExp["org_id"])
}

func TestDescribeActor(t *testing.T) {
	raw, err := middleware.SignHS256(buildClaims("req-1", "", []string{"member"}, []string{"changes.approve"}, time.Now(), 5, false), "k")
	require.NoError(t, err)
	tok, err := middleware.DecodeToken(raw)
	require.NoError(t, err)

	var out bytes.Buffer
	describeActor(&out, tok, nil)
	assert.Contains(t, out.String(), "Actor: req-1")
	assert.Contains(t, out.String(), "Organization: (any)")
	assert.Contains(t, out.String(), "Change role: member")
	assert.Contains(t, out.String(), "Permissions: changes.approve, changes.read, changes.write, notifications.*")

	out.Reset()
	describeActor(&out, tok, map[string][]string{"member": {"changes.read"}})
	assert.Contains(t, out.String(), "Permissions: changes.approve, changes.read\n")
}
