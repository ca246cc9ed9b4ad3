package entity

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netcore/internal/core/wire"
)

type recordingMarker struct {
	marks []PropertyID
}

func (m *recordingMarker) MarkDirty(_ NetworkID, prop PropertyID) error {
	m.marks = append(m.marks, prop)
	return nil
}

type recordingSender struct {
	frames   []wire.RPCFrame
	reliable []bool
}

func (s *recordingSender) SendRPC(frame wire.RPCFrame, reliable bool) error {
	s.frames = append(s.frames, frame)
	s.reliable = append(s.reliable, reliable)
	return nil
}

func TestSettersOnlyMarkRealChanges(t *testing.T) {
	e := New()
	marker := &recordingMarker{}
	e.Bind(marker, nil)

	e.SetPosition(mgl32.Vec3{1, 2, 3})
	e.SetPosition(mgl32.Vec3{1, 2, 3})
	e.SetHealth(100) // default value
	e.SetHealth(75)

	assert.Equal(t, []PropertyID{PropPosition, PropHealth}, marker.marks)
	assert.Equal(t, mgl32.Vec3{1, 2, 3}, e.Position())
	assert.Equal(t, float32(75), e.Health())
}

func TestSetRejectsUnknownAndMistypedProperties(t *testing.T) {
	e := New()
	assert.ErrorIs(t, e.Set(99, Int32(1)), ErrUnknownProperty)
	assert.ErrorIs(t, e.Set(PropHealth, Int32(1)), ErrKindMismatch)

	require.NoError(t, e.Define(FirstCustomProperty, String("idle")))
	assert.ErrorIs(t, e.Define(FirstCustomProperty, String("again")), ErrDuplicateProperty)
	assert.Equal(t, []PropertyID{PropPosition, PropRotation, PropHealth, PropVelocity, FirstCustomProperty}, e.PropertyIDs())
}

func TestSerializeRoundTrip(t *testing.T) {
	src := New()
	require.NoError(t, src.Define(FirstCustomProperty, Int64(-5)))
	require.NoError(t, src.Define(FirstCustomProperty+1, Bytes([]byte{1, 2})))
	src.SetPosition(mgl32.Vec3{4, 5, 6})
	src.SetRotation(mgl32.QuatRotate(1.2, mgl32.Vec3{0, 1, 0}))
	src.SetVelocity(mgl32.Vec3{0, 0, -1})
	src.SetHealth(12.5)

	data, err := src.Serialize()
	require.NoError(t, err)

	dst := New()
	require.NoError(t, dst.Define(FirstCustomProperty, Int64(0)))
	require.NoError(t, dst.Define(FirstCustomProperty+1, Bytes(nil)))
	require.NoError(t, dst.Deserialize(data))

	again, err := dst.Serialize()
	require.NoError(t, err)
	assert.Equal(t, data, again)
	assert.Equal(t, src.Rotation(), dst.Rotation())
}

func TestDeserializeIsAllOrNothing(t *testing.T) {
	src := New()
	src.SetPosition(mgl32.Vec3{1, 1, 1})
	data, err := src.Serialize()
	require.NoError(t, err)

	dst := New()
	assert.Error(t, dst.Deserialize(data[:len(data)-2]))
	assert.Equal(t, mgl32.Vec3{}, dst.Position(), "nothing applied from a truncated buffer")
}

func TestDeserializePropertyNotifiesObserversInOrder(t *testing.T) {
	e := New()
	marker := &recordingMarker{}
	e.Bind(marker, nil)

	var calls []string
	e.OnPropertyUpdated(func(_ *Entity, prop PropertyID, v Value) {
		calls = append(calls, "first:"+v.String())
	})
	e.OnPropertyUpdated(func(_ *Entity, prop PropertyID, _ Value) {
		calls = append(calls, "second")
	})

	require.NoError(t, e.DeserializeProperty(PropHealth, Float32(42).Encode()))
	assert.Equal(t, []string{"first:42", "second"}, calls)
	assert.Empty(t, marker.marks, "remote values never mark dirty")

	assert.ErrorIs(t, e.DeserializeProperty(PropHealth, []byte{1}), ErrValueSize)
	assert.ErrorIs(t, e.DeserializeProperty(77, nil), ErrUnknownProperty)
}

func TestApplyFieldsRejectsWholeFrame(t *testing.T) {
	e := New()
	var seen []PropertyID
	e.OnPropertyUpdated(func(_ *Entity, prop PropertyID, _ Value) { seen = append(seen, prop) })

	err := e.ApplyFields([]wire.Field{
		{ID: uint32(PropHealth), Data: Float32(5).Encode()},
		{ID: uint32(PropPosition), Data: []byte{1, 2}},
	})
	assert.ErrorIs(t, err, ErrValueSize)
	assert.Equal(t, float32(100), e.Health())
	assert.Empty(t, seen)

	require.NoError(t, e.ApplyFields([]wire.Field{
		{ID: uint32(PropHealth), Data: Float32(5).Encode()},
		{ID: uint32(PropVelocity), Data: Vec3(mgl32.Vec3{0, 1, 0}).Encode()},
	}))
	assert.Equal(t, float32(5), e.Health())
	assert.Equal(t, []PropertyID{PropHealth, PropVelocity}, seen)
}

func TestRPCRequiringAuthorityIsRefusedLocally(t *testing.T) {
	e := New()
	sender := &recordingSender{}
	e.Bind(nil, sender)
	require.NoError(t, e.RegisterRPC(RPCDefinition{
		Name:              "Explode",
		Target:            TargetMulticast,
		RequiresAuthority: true,
		Reliable:          true,
	}, func(RPCCall) error { return nil }))

	e.SetRole(RoleSimulatedProxy)
	assert.ErrorIs(t, e.CallRPC("Explode"), ErrNotAuthorized)
	assert.Empty(t, sender.frames)

	e.SetRole(RoleAuthority)
	require.NoError(t, e.CallRPC("Explode"))
	require.Len(t, sender.frames, 1)
	assert.True(t, sender.reliable[0])
	assert.Equal(t, RPCID("Explode"), sender.frames[0].RPCID)
	assert.Equal(t, uint8(TargetMulticast), sender.frames[0].Target)
}

func TestRPCRateLimitAndSignature(t *testing.T) {
	e := New()
	sender := &recordingSender{}
	e.Bind(nil, sender)
	require.NoError(t, e.RegisterRPC(RPCDefinition{
		Name:      "Fire",
		Target:    TargetServer,
		Params:    []ValueKind{KindVec3},
		RateLimit: 0.001,
		Burst:     2,
	}, func(RPCCall) error { return nil }))

	aim := Vec3(mgl32.Vec3{0, 0, 1})
	assert.ErrorIs(t, e.CallRPC("Fire"), ErrParamMismatch)
	require.NoError(t, e.CallRPC("Fire", aim))
	require.NoError(t, e.CallRPC("Fire", aim))
	assert.ErrorIs(t, e.CallRPC("Fire", aim), ErrRateLimited)
	assert.Len(t, sender.frames, 2)

	assert.ErrorIs(t, e.CallRPC("Missing"), ErrUnknownRPC)
}

func TestInvokeRPCDispatchesDecodedParams(t *testing.T) {
	caller := New()
	sender := &recordingSender{}
	caller.Bind(nil, sender)

	callee := New()
	var got RPCCall
	def := RPCDefinition{Name: "Chat", Target: TargetAllClients, Params: []ValueKind{KindString, KindInt32}}
	require.NoError(t, caller.RegisterRPC(def, func(RPCCall) error { return nil }))
	require.NoError(t, callee.RegisterRPC(def, func(call RPCCall) error {
		got = call
		return nil
	}))

	require.NoError(t, caller.CallRPC("Chat", String("gg"), Int32(3)))
	encoded, err := wire.EncodeRPC(sender.frames[0])
	require.NoError(t, err)
	frame, err := wire.DecodeRPC(encoded)
	require.NoError(t, err)

	require.NoError(t, callee.InvokeRPC(frame))
	assert.Equal(t, "Chat", got.Name)
	assert.Equal(t, TargetAllClients, got.Target)
	require.Len(t, got.Params, 2)
	assert.Equal(t, "gg", got.Params[0].Str())
	assert.Equal(t, int32(3), got.Params[1].Int32())
}

func TestInvokeRPCRecoversHandlerPanic(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterRPC(RPCDefinition{Name: "Boom"}, func(RPCCall) error { panic("bad") }))
	err := e.InvokeRPC(wire.RPCFrame{RPCID: RPCID("Boom")})
	assert.ErrorIs(t, err, ErrRPCHandlerPanic)
}

func TestPropertyConditions(t *testing.T) {
	ctx := ConditionContext{NetworkID: 1, OwnerID: 7, PlayerID: 7}
	assert.True(t, PropertyDefinition{Condition: ConditionOwnerOnly}.Admits(ctx))
	assert.False(t, PropertyDefinition{Condition: ConditionSkipOwner}.Admits(ctx))

	other := ctx
	other.PlayerID = 8
	custom := PropertyDefinition{Condition: ConditionCustom, Custom: func(c ConditionContext) bool { return c.PlayerID > 7 }}
	assert.True(t, custom.Admits(other))
	assert.False(t, custom.Admits(ctx))

	p, err := ParsePriority("Critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)
}
