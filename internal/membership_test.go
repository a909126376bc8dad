package internal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomMembersJoinLeave(t *testing.T) {
	members := NewRoomMembers()

	members.Join(7, 1)
	members.Join(7, 2)
	members.Join(9, 1)

	require.ElementsMatch(t, []int64{1, 2}, members.MembersOf(7))
	require.True(t, members.Contains(7, 1))
	require.False(t, members.Contains(7, 3))

	members.Leave(7, 1)
	require.ElementsMatch(t, []int64{2}, members.MembersOf(7))
	require.False(t, members.IsEmpty(7))

	members.Leave(7, 2)
	require.True(t, members.IsEmpty(7))
	require.Empty(t, members.MembersOf(7))
}

func TestRoomMembersJoinIsIdempotent(t *testing.T) {
	members := NewRoomMembers()

	members.Join(7, 1)
	members.Join(7, 1)

	require.ElementsMatch(t, []int64{1}, members.MembersOf(7))
}

func TestRoomMembersLeaveUnknownRoomIsNoop(t *testing.T) {
	members := NewRoomMembers()
	members.Leave(42, 1)
	require.True(t, members.IsEmpty(42))
}

func TestRoomMembersLeaveAll(t *testing.T) {
	members := NewRoomMembers()
	members.Join(7, 1)
	members.Join(8, 1)
	members.Join(8, 2)

	affected := members.LeaveAll(1)

	require.ElementsMatch(t, []int64{7, 8}, affected)
	require.True(t, members.IsEmpty(7))
	require.ElementsMatch(t, []int64{2}, members.MembersOf(8))

	require.Empty(t, members.LeaveAll(1))
}

func TestRoomMembersDrop(t *testing.T) {
	members := NewRoomMembers()
	members.Join(7, 1)
	members.Join(7, 2)

	members.Drop(7)

	require.True(t, members.IsEmpty(7))
	require.False(t, members.Contains(7, 1))
}
