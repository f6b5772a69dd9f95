package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/agrisense/agroml/mlerr"
	"google.golang.org/protobuf/encoding/protowire"
)

// The subset of onnx.proto needed to describe dense classifiers. Field
// numbers follow onnx/onnx.proto; unknown fields are skipped on decode.

// AttributeType mirrors AttributeProto.AttributeType.
type AttributeType int32

const (
	AttributeFloat  AttributeType = 1
	AttributeInt    AttributeType = 2
	AttributeString AttributeType = 3
	AttributeFloats AttributeType = 6
	AttributeInts   AttributeType = 7
)

// TensorFloat is TensorProto.DataType FLOAT.
const TensorFloat int32 = 1

// ModelProto is the top-level ONNX container.
type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
	MetadataProps   []*StringStringEntryProto
}

type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

type StringStringEntryProto struct {
	Key   string
	Value string
}

// GraphProto is a topologically sorted list of nodes plus initializers.
type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
	Domain    string
}

type AttributeProto struct {
	Name   string
	Type   AttributeType
	F      float32
	I      int64
	S      []byte
	Floats []float32
	Ints   []int64
}

type TensorProto struct {
	Dims      []int64
	DataType  int32
	FloatData []float32
	Name      string
	RawData   []byte
}

type ValueInfoProto struct {
	Name string
	Type *TypeProto
}

// TypeProto only carries the tensor_type arm of the oneof.
type TypeProto struct {
	TensorType *TensorTypeProto
}

type TensorTypeProto struct {
	ElemType int32
	Shape    *TensorShapeProto
}

type TensorShapeProto struct {
	Dim []*TensorShapeDimension
}

// TensorShapeDimension is either a fixed size or a named symbolic one.
type TensorShapeDimension struct {
	DimValue int64
	DimParam string
}

// Floats returns the tensor contents, reading raw_data as little-endian
// float32 when float_data is empty.
func (t *TensorProto) Floats() ([]float32, error) {
	if t.DataType != TensorFloat {
		return nil, fmt.Errorf("%w: tensor %s has data type %d, only FLOAT is supported",
			mlerr.ErrInvalidArgument, t.Name, t.DataType)
	}
	if len(t.FloatData) > 0 || len(t.RawData) == 0 {
		return t.FloatData, nil
	}
	if len(t.RawData)%4 != 0 {
		return nil, fmt.Errorf("%w: tensor %s raw_data length %d", mlerr.ErrInvalidArgument, t.Name, len(t.RawData))
	}
	out := make([]float32, len(t.RawData)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[4*i:]))
	}
	return out, nil
}

// Shape returns Dims as ints.
func (t *TensorProto) Shape() []int {
	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		shape[i] = int(d)
	}
	return shape
}

// MarshalBinary encodes the model in protobuf wire format. Fields are written
// in field-number order so equal models encode to equal bytes.
func (m *ModelProto) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IrVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	b = appendVarintField(b, 5, uint64(m.ModelVersion))
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessageField(b, 7, m.Graph.marshal(nil))
	}
	for _, op := range m.OpsetImport {
		var sub []byte
		sub = appendStringField(sub, 1, op.Domain)
		sub = appendVarintField(sub, 2, uint64(op.Version))
		b = appendMessageField(b, 8, sub)
	}
	for _, kv := range m.MetadataProps {
		var sub []byte
		sub = appendStringField(sub, 1, kv.Key)
		sub = appendStringField(sub, 2, kv.Value)
		b = appendMessageField(b, 14, sub)
	}
	return b, nil
}

func (g *GraphProto) marshal(b []byte) []byte {
	for _, n := range g.Node {
		b = appendMessageField(b, 1, n.marshal(nil))
	}
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessageField(b, 5, t.marshal(nil))
	}
	b = appendStringField(b, 10, g.DocString)
	for _, v := range g.Input {
		b = appendMessageField(b, 11, v.marshal(nil))
	}
	for _, v := range g.Output {
		b = appendMessageField(b, 12, v.marshal(nil))
	}
	return b
}

func (n *NodeProto) marshal(b []byte) []byte {
	for _, s := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessageField(b, 5, a.marshal(nil))
	}
	b = appendStringField(b, 7, n.Domain)
	return b
}

func (a *AttributeProto) marshal(b []byte) []byte {
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttributeString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeFloats:
		for _, f := range a.Floats {
			b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, math.Float32bits(f))
		}
	case AttributeInts:
		for _, v := range a.Ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		}
	}
	b = appendVarintField(b, 20, uint64(a.Type))
	return b
}

func (t *TensorProto) marshal(b []byte) []byte {
	for _, d := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = appendVarintField(b, 2, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		packed := make([]byte, 0, 4*len(t.FloatData))
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendStringField(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	return b
}

func (v *ValueInfoProto) marshal(b []byte) []byte {
	b = appendStringField(b, 1, v.Name)
	if v.Type == nil || v.Type.TensorType == nil {
		return b
	}
	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, uint64(v.Type.TensorType.ElemType))
	if s := v.Type.TensorType.Shape; s != nil {
		var shape []byte
		for _, d := range s.Dim {
			var dim []byte
			if d.DimParam != "" {
				dim = appendStringField(dim, 2, d.DimParam)
			} else {
				dim = protowire.AppendTag(dim, 1, protowire.VarintType)
				dim = protowire.AppendVarint(dim, uint64(d.DimValue))
			}
			shape = appendMessageField(shape, 1, dim)
		}
		tensorType = appendMessageField(tensorType, 2, shape)
	}
	return appendMessageField(b, 2, appendMessageField(nil, 1, tensorType))
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// UnmarshalBinary decodes a protobuf-encoded ONNX model.
func (m *ModelProto) UnmarshalBinary(buf []byte) error {
	*m = ModelProto{}
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.IrVersion = int64(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &m.ProducerName)
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &m.ProducerVersion)
		case num == 4 && typ == protowire.BytesType:
			return consumeString(b, &m.Domain)
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.ModelVersion = int64(v)
			return n, nil
		case num == 6 && typ == protowire.BytesType:
			return consumeString(b, &m.DocString)
		case num == 7 && typ == protowire.BytesType:
			m.Graph = &GraphProto{}
			return consumeMessage(b, m.Graph.unmarshal)
		case num == 8 && typ == protowire.BytesType:
			op := &OperatorSetIdProto{}
			m.OpsetImport = append(m.OpsetImport, op)
			return consumeMessage(b, op.unmarshal)
		case num == 14 && typ == protowire.BytesType:
			kv := &StringStringEntryProto{}
			m.MetadataProps = append(m.MetadataProps, kv)
			return consumeMessage(b, kv.unmarshal)
		}
		return 0, nil
	})
	if err != nil {
		return fmt.Errorf("%w: decode ONNX model: %v", mlerr.ErrInvalidArgument, err)
	}
	return nil
}

func (op *OperatorSetIdProto) unmarshal(buf []byte) error {
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &op.Domain)
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			op.Version = int64(v)
			return n, nil
		}
		return 0, nil
	})
}

func (kv *StringStringEntryProto) unmarshal(buf []byte) error {
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &kv.Key)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &kv.Value)
		}
		return 0, nil
	})
}

func (g *GraphProto) unmarshal(buf []byte) error {
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		switch num {
		case 1:
			n := &NodeProto{}
			g.Node = append(g.Node, n)
			return consumeMessage(b, n.unmarshal)
		case 2:
			return consumeString(b, &g.Name)
		case 5:
			t := &TensorProto{}
			g.Initializer = append(g.Initializer, t)
			return consumeMessage(b, t.unmarshal)
		case 10:
			return consumeString(b, &g.DocString)
		case 11:
			v := &ValueInfoProto{}
			g.Input = append(g.Input, v)
			return consumeMessage(b, v.unmarshal)
		case 12:
			v := &ValueInfoProto{}
			g.Output = append(g.Output, v)
			return consumeMessage(b, v.unmarshal)
		}
		return 0, nil
	})
}

func (n *NodeProto) unmarshal(buf []byte) error {
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		switch num {
		case 1:
			s, k := protowire.ConsumeString(b)
			n.Input = append(n.Input, s)
			return k, nil
		case 2:
			s, k := protowire.ConsumeString(b)
			n.Output = append(n.Output, s)
			return k, nil
		case 3:
			return consumeString(b, &n.Name)
		case 4:
			return consumeString(b, &n.OpType)
		case 5:
			a := &AttributeProto{}
			n.Attribute = append(n.Attribute, a)
			return consumeMessage(b, a.unmarshal)
		case 7:
			return consumeString(b, &n.Domain)
		}
		return 0, nil
	})
}

func (a *AttributeProto) unmarshal(buf []byte) error {
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			if typ == protowire.BytesType {
				return consumeString(b, &a.Name)
			}
		case 2:
			if typ == protowire.Fixed32Type {
				v, n := protowire.ConsumeFixed32(b)
				a.F = math.Float32frombits(v)
				return n, nil
			}
		case 3:
			if typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				a.I = int64(v)
				return n, nil
			}
		case 4:
			if typ == protowire.BytesType {
				v, n := protowire.ConsumeBytes(b)
				a.S = append([]byte(nil), v...)
				return n, nil
			}
		case 7:
			return consumeFloats(typ, b, &a.Floats), nil
		case 8:
			return consumeInt64s(typ, b, &a.Ints), nil
		case 20:
			if typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				a.Type = AttributeType(v)
				return n, nil
			}
		}
		return 0, nil
	})
}

func (t *TensorProto) unmarshal(buf []byte) error {
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64s(typ, b, &t.Dims), nil
		case 2:
			if typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				t.DataType = int32(v)
				return n, nil
			}
		case 4:
			return consumeFloats(typ, b, &t.FloatData), nil
		case 8:
			if typ == protowire.BytesType {
				return consumeString(b, &t.Name)
			}
		case 9:
			if typ == protowire.BytesType {
				v, n := protowire.ConsumeBytes(b)
				t.RawData = append([]byte(nil), v...)
				return n, nil
			}
		}
		return 0, nil
	})
}

func (v *ValueInfoProto) unmarshal(buf []byte) error {
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		switch num {
		case 1:
			return consumeString(b, &v.Name)
		case 2:
			v.Type = &TypeProto{}
			return consumeMessage(b, v.Type.unmarshal)
		}
		return 0, nil
	})
}

func (tp *TypeProto) unmarshal(buf []byte) error {
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return 0, nil
		}
		tp.TensorType = &TensorTypeProto{}
		return consumeMessage(b, tp.TensorType.unmarshal)
	})
}

func (tt *TensorTypeProto) unmarshal(buf []byte) error {
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			tt.ElemType = int32(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			tt.Shape = &TensorShapeProto{}
			return consumeMessage(b, tt.Shape.unmarshal)
		}
		return 0, nil
	})
}

func (s *TensorShapeProto) unmarshal(buf []byte) error {
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return 0, nil
		}
		d := &TensorShapeDimension{}
		s.Dim = append(s.Dim, d)
		return consumeMessage(b, d.unmarshal)
	})
}

func (d *TensorShapeDimension) unmarshal(buf []byte) error {
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			d.DimValue = int64(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &d.DimParam)
		}
		return 0, nil
	})
}

// walkFields calls fn for every field in buf. fn returns the length of the
// value it consumed, or 0 to have the value skipped.
func walkFields(buf []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		m, err := fn(num, typ, buf)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		buf = buf[m:]
	}
	return nil
}

func consumeString(b []byte, dst *string) (int, error) {
	s, n := protowire.ConsumeString(b)
	*dst = s
	return n, nil
}

func consumeMessage(b []byte, unmarshal func([]byte) error) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	if err := unmarshal(v); err != nil {
		return 0, err
	}
	return n, nil
}

// consumeInt64s accepts both packed and unpacked encodings.
func consumeInt64s(typ protowire.Type, b []byte, dst *[]int64) int {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 {
			*dst = append(*dst, int64(v))
		}
		return n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		for n >= 0 && len(packed) > 0 {
			v, k := protowire.ConsumeVarint(packed)
			if k < 0 {
				return k
			}
			*dst = append(*dst, int64(v))
			packed = packed[k:]
		}
		return n
	}
	return 0
}

// consumeFloats accepts both packed and unpacked encodings.
func consumeFloats(typ protowire.Type, b []byte, dst *[]float32) int {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n >= 0 {
			*dst = append(*dst, math.Float32frombits(v))
		}
		return n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		if len(packed)%4 != 0 {
			return -1
		}
		for len(packed) > 0 {
			v, k := protowire.ConsumeFixed32(packed)
			*dst = append(*dst, math.Float32frombits(v))
			packed = packed[k:]
		}
		return n
	}
	return 0
}
