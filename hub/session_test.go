package hub

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannelName(t *testing.T) {
	tests := []struct {
		raw     string
		want    ChannelName
		wantErr string
	}{
		{raw: "todo:list:123_abc-xyz.test", want: "todo:list:123_abc-xyz.test"},
		{raw: "  lobby  ", want: "lobby"},
		{raw: "   ", wantErr: "channel name is required"},
		{raw: "todo/list", wantErr: "invalid character"},
		{raw: strings.Repeat("a", MaxChannelNameLen+1), wantErr: "too long"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseChannelName(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrProtocol)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSessionCopiesRoles(t *testing.T) {
	roles := []string{"admin"}
	s := NewSession("u1", roles, "t1")
	roles[0] = "user"

	assert.True(t, s.HasRole("admin"))
	assert.False(t, s.HasRole("user"))
	assert.Equal(t, "t1", s.TenantID)
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := &Error{Code: CodeNotAMember, Message: "custom text"}
	assert.ErrorIs(t, err, ErrNotAMember)
	assert.NotErrorIs(t, err, ErrPolicyDenied)
	assert.Equal(t, "not_a_member: custom text", err.Error())
}
