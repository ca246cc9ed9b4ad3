package wire

import "fmt"

// Kind is the first byte of every replication payload.
type Kind uint8

const (
	// KindFull carries an entity frame.
	KindFull Kind = 0x01
	// KindBaseline carries an entity frame the receiver keeps as delta baseline.
	KindBaseline Kind = 0x02
	// KindDelta carries [baseHash:4][originalSize:4][encoded xor].
	KindDelta Kind = 0x03
	// KindRPC is the RPC frame marker.
	KindRPC Kind = 0xFF
)

func (k Kind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindBaseline:
		return "baseline"
	case KindDelta:
		return "delta"
	case KindRPC:
		return "rpc"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// PeekKind returns the payload kind without decoding the body.
func PeekKind(payload []byte) (Kind, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	switch k := Kind(payload[0]); k {
	case KindFull, KindBaseline, KindDelta, KindRPC:
		return k, nil
	default:
		return k, ErrUnknownKind
	}
}

// Field is one serialized property inside an entity frame.
type Field struct {
	ID   uint32
	Data []byte
}

// EntityFrame is [networkId:8][typeLen:2][type][repeated propertyId:4 propLen:2 bytes].
type EntityFrame struct {
	NetworkID  uint64
	EntityType string
	Fields     []Field
}

// Size is the encoded length of the frame body.
func (f EntityFrame) Size() int {
	n := 8 + 2 + len(f.EntityType)
	for _, fld := range f.Fields {
		n += 4 + 2 + len(fld.Data)
	}
	return n
}

func (f EntityFrame) appendTo(w *Writer) {
	w.Uint64(f.NetworkID)
	w.String16(f.EntityType)
	for _, fld := range f.Fields {
		w.Uint32(fld.ID)
		w.Bytes16(fld.Data)
	}
}

// EncodeEntity encodes the frame body without a kind byte.
func EncodeEntity(f EntityFrame) ([]byte, error) {
	w := AcquireWriter()
	defer ReleaseWriter(w)
	f.appendTo(w)
	return w.Copy()
}

// DecodeEntity decodes a frame body. Either the whole frame is returned or an
// error; callers never see a partially decoded field list.
func DecodeEntity(b []byte) (EntityFrame, error) {
	r := NewReader(b)
	f := EntityFrame{
		NetworkID:  r.Uint64(),
		EntityType: r.String16(),
	}
	for r.Err() == nil && r.Remaining() > 0 {
		id := r.Uint32()
		data := r.Bytes16()
		if r.Err() != nil {
			break
		}
		f.Fields = append(f.Fields, Field{ID: id, Data: data})
	}
	if err := r.Done(); err != nil {
		return EntityFrame{}, frameError("entity", r, err)
	}
	return f, nil
}

// Payload prefixes body with its kind byte.
func Payload(kind Kind, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out
}

// DeltaPayload builds [KindDelta][baseHash:4][delta].
func DeltaPayload(baseHash uint32, delta []byte) []byte {
	w := AcquireWriter()
	defer ReleaseWriter(w)
	w.Uint8(uint8(KindDelta))
	w.Uint32(baseHash)
	w.Raw(delta)
	out, _ := w.Copy()
	return out
}

// SplitDeltaPayload is the inverse of DeltaPayload.
func SplitDeltaPayload(payload []byte) (baseHash uint32, delta []byte, err error) {
	r := NewReader(payload)
	if Kind(r.Uint8()) != KindDelta {
		return 0, nil, frameError("delta", r, ErrUnknownKind)
	}
	baseHash = r.Uint32()
	delta = r.Rest()
	if err = r.Err(); err != nil {
		return 0, nil, frameError("delta", r, err)
	}
	return baseHash, delta, nil
}

// Param is one RPC argument.
type Param struct {
	Type uint8
	Data []byte
}

// RPCFrame is [0xFF][networkId:8][rpcId:4][target:1][paramCount:1][repeated paramType:1 dataLen:2 data].
type RPCFrame struct {
	NetworkID uint64
	RPCID     uint32
	Target    uint8
	Params    []Param
}

func EncodeRPC(f RPCFrame) ([]byte, error) {
	if len(f.Params) > 255 {
		return nil, ErrTooManyParams
	}
	w := AcquireWriter()
	defer ReleaseWriter(w)
	w.Uint8(uint8(KindRPC))
	w.Uint64(f.NetworkID)
	w.Uint32(f.RPCID)
	w.Uint8(f.Target)
	w.Uint8(uint8(len(f.Params)))
	for _, p := range f.Params {
		w.Uint8(p.Type)
		w.Bytes16(p.Data)
	}
	return w.Copy()
}

func DecodeRPC(payload []byte) (RPCFrame, error) {
	r := NewReader(payload)
	if Kind(r.Uint8()) != KindRPC {
		return RPCFrame{}, frameError("rpc", r, ErrUnknownKind)
	}
	f := RPCFrame{
		NetworkID: r.Uint64(),
		RPCID:     r.Uint32(),
		Target:    r.Uint8(),
	}
	count := int(r.Uint8())
	if r.Err() == nil && count > 0 {
		f.Params = make([]Param, 0, count)
	}
	for i := 0; i < count && r.Err() == nil; i++ {
		typ := r.Uint8()
		data := r.Bytes16()
		f.Params = append(f.Params, Param{Type: typ, Data: data})
	}
	if err := r.Done(); err != nil {
		return RPCFrame{}, frameError("rpc", r, err)
	}
	return f, nil
}
