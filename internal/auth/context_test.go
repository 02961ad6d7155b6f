package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := SetActor(context.Background(), Actor{UserID: "u1", DeviceID: "d1", Role: RoleRepartidor})

	actor, ok := GetActor(ctx)
	require.True(t, ok)
	require.Equal(t, "u1", actor.UserID)
	require.Equal(t, "d1", actor.DeviceID)
	require.Equal(t, RoleRepartidor, actor.Role)

	_, ok = GetActor(context.Background())
	require.False(t, ok)
}

func TestActorCanAccess(t *testing.T) {
	rep := Actor{UserID: "u1", Role: RoleRepartidor}
	require.True(t, rep.CanAccess("u1"))
	require.False(t, rep.CanAccess("u2"))

	admin := Actor{UserID: "root", Role: RoleAdmin}
	require.True(t, admin.CanAccess("u2"))
}
