package filter

import (
	"testing"
	"time"

	"github.com/antonmedv/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-course-chat/types"
)

func TestCompileEmpty(t *testing.T) {
	p, err := Compile("  ")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.True(t, p.Match(&types.Message{}, types.Identity{}))
}

func TestCompileInvalid(t *testing.T) {
	_, err := Compile(`Sender.Unknown == 1`)
	assert.Error(t, err)
	_, err = Compile(`Body`)
	assert.Error(t, err, "non boolean filters are rejected")
}

func TestMatch(t *testing.T) {
	me := types.Identity{UserId: "u1", Name: "Ada", Role: types.RoleStudent}
	instructor := &types.Message{Id: "m1", SenderId: "i1", SenderRole: types.RoleInstructor, Body: "Welcome", Timestamp: time.Unix(100, 0)}
	mention := &types.Message{Id: "m2", SenderId: "u2", SenderRole: types.RoleStudent, Body: "hey @ada, see above"}
	other := &types.Message{Id: "m3", SenderId: "u2", SenderRole: types.RoleStudent, Body: "hello"}

	p, err := Compile(`Sender.Role == "instructor" || Mention`)
	require.NoError(t, err)
	assert.True(t, p.Match(instructor, me))
	assert.True(t, p.Match(mention, me))
	assert.False(t, p.Match(other, me))

	p, err = Compile(`Lower(Body) contains "welcome" && Created == 100`)
	require.NoError(t, err)
	assert.True(t, p.Match(instructor, me))
	assert.False(t, p.Match(other, me))
}

func TestEnvFields(t *testing.T) {
	msg := &types.Message{SenderId: "u2", SenderName: "Bob", ReplyTo: &types.ReplyRef{Id: "m0"}, Read: true}
	env := NewEnv(msg, types.Identity{UserId: "u1"})
	res, err := expr.Eval(`IsReply && Read && Sender.Name == "Bob" && Me.Id == "u1" && !Mention`, env)
	require.NoError(t, err)
	assert.Equal(t, true, res.(bool))
}
