package protocol

import (
	"fmt"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/gate"
	"github.com/danmuck/gatestream/internal/measurement"
	"github.com/danmuck/gatestream/internal/protocol/schema"
	"github.com/danmuck/gatestream/internal/protocol/tlv"
	"github.com/danmuck/gatestream/internal/qubit"
)

func refsField(id uint16, refs []qubit.Ref) tlv.Field {
	raw := make([]uint64, len(refs))
	for i, r := range refs {
		raw[i] = uint64(r)
	}
	return tlv.U64ListField(id, raw)
}

func refsFrom(fields []tlv.Field, id uint16) ([]qubit.Ref, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil, nil
	}
	raw, err := tlv.U64ListFromBytes(f.Value)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]qubit.Ref, len(raw))
	for i, v := range raw {
		q, err := qubit.FromRaw(v)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

func dataFields(d arb.Data) []tlv.Field {
	var fields []tlv.Field
	if len(d.JSON) > 0 {
		fields = append(fields, tlv.BytesField(schema.FieldArbJSON, d.JSON))
	}
	for _, a := range d.Args {
		fields = append(fields, tlv.BytesField(schema.FieldArbArg, a))
	}
	return fields
}

func dataFrom(fields []tlv.Field) (arb.Data, error) {
	var raw []byte
	if f, ok := tlv.GetField(fields, schema.FieldArbJSON); ok {
		if err := tlv.MustType(f, tlv.TypeBytes); err != nil {
			return arb.Data{}, err
		}
		raw = f.Value
	}
	argFields := tlv.GetFields(fields, schema.FieldArbArg)
	args := make([][]byte, 0, len(argFields))
	for _, f := range argFields {
		if err := tlv.MustType(f, tlv.TypeBytes); err != nil {
			return arb.Data{}, err
		}
		args = append(args, f.Value)
	}
	return arb.NewData(raw, args...)
}

func cmdFields(c arb.Cmd) []tlv.Field {
	fields := []tlv.Field{
		tlv.StringField(schema.FieldArbInterface, c.Interface),
		tlv.StringField(schema.FieldArbOperation, c.Operation),
	}
	return append(fields, dataFields(c.Data)...)
}

func cmdFrom(fields []tlv.Field) (arb.Cmd, error) {
	iface, ok := tlv.GetField(fields, schema.FieldArbInterface)
	if !ok {
		return arb.Cmd{}, fmt.Errorf("arb command missing interface")
	}
	oper, ok := tlv.GetField(fields, schema.FieldArbOperation)
	if !ok {
		return arb.Cmd{}, fmt.Errorf("arb command missing operation")
	}
	data, err := dataFrom(fields)
	if err != nil {
		return arb.Cmd{}, err
	}
	return arb.NewCmd(string(iface.Value), string(oper.Value), data)
}

// nestedCmdFields encodes each command as one FieldArbCmd holding its own
// TLV sequence.
func nestedCmdFields(cmds []arb.Cmd) []tlv.Field {
	out := make([]tlv.Field, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, tlv.BytesField(schema.FieldArbCmd, tlv.EncodeFields(cmdFields(c))))
	}
	return out
}

func nestedCmdsFrom(fields []tlv.Field) ([]arb.Cmd, error) {
	nested := tlv.GetFields(fields, schema.FieldArbCmd)
	out := make([]arb.Cmd, 0, len(nested))
	for _, f := range nested {
		inner, err := tlv.DecodeFields(f.Value)
		if err != nil {
			return nil, err
		}
		c, err := cmdFrom(inner)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func gateFields(g gate.Gate) []tlv.Field {
	fields := []tlv.Field{
		tlv.StringField(schema.FieldGateName, g.Name()),
		refsField(schema.FieldTargets, g.Targets()),
		refsField(schema.FieldControls, g.Controls()),
		refsField(schema.FieldMeasures, g.Measures()),
	}
	if m := g.Matrix(); len(m) > 0 {
		parts := make([]float64, 0, 2*len(m))
		for _, c := range m {
			parts = append(parts, real(c), imag(c))
		}
		fields = append(fields, tlv.F64ListField(schema.FieldMatrix, parts))
	}
	return append(fields, dataFields(g.Data())...)
}

func gateFrom(fields []tlv.Field) (gate.Gate, error) {
	name, _ := tlv.GetField(fields, schema.FieldGateName)
	targets, err := refsFrom(fields, schema.FieldTargets)
	if err != nil {
		return gate.Gate{}, err
	}
	controls, err := refsFrom(fields, schema.FieldControls)
	if err != nil {
		return gate.Gate{}, err
	}
	measures, err := refsFrom(fields, schema.FieldMeasures)
	if err != nil {
		return gate.Gate{}, err
	}
	var opts []gate.Option
	if f, ok := tlv.GetField(fields, schema.FieldMatrix); ok {
		parts, err := tlv.F64ListFromBytes(f.Value)
		if err != nil {
			return gate.Gate{}, err
		}
		if len(parts)%2 != 0 {
			return gate.Gate{}, fmt.Errorf("matrix has odd number of components")
		}
		m := make([]complex128, len(parts)/2)
		for i := range m {
			m[i] = complex(parts[2*i], parts[2*i+1])
		}
		opts = append(opts, gate.WithMatrix(m))
	}
	data, err := dataFrom(fields)
	if err != nil {
		return gate.Gate{}, err
	}
	if !data.IsEmpty() {
		opts = append(opts, gate.WithData(data))
	}
	return gate.New(string(name.Value), targets, controls, measures, opts...)
}

func measurementFields(m measurement.Measurement) []tlv.Field {
	fields := []tlv.Field{
		tlv.U64Field(schema.FieldQubit, uint64(m.Qubit())),
		tlv.BoolField(schema.FieldValue, m.Value()),
	}
	return append(fields, dataFields(m.Data())...)
}

func measurementFrom(fields []tlv.Field) (measurement.Measurement, error) {
	qf, _ := tlv.GetField(fields, schema.FieldQubit)
	raw, err := tlv.U64FromBytes(qf.Value)
	if err != nil {
		return measurement.Measurement{}, err
	}
	q, err := qubit.FromRaw(raw)
	if err != nil {
		return measurement.Measurement{}, err
	}
	vf, _ := tlv.GetField(fields, schema.FieldValue)
	v, err := tlv.BoolFromBytes(vf.Value)
	if err != nil {
		return measurement.Measurement{}, err
	}
	data, err := dataFrom(fields)
	if err != nil {
		return measurement.Measurement{}, err
	}
	return measurement.New(q, v, data)
}

func requiredU64(fields []tlv.Field, id uint16) (uint64, error) {
	f, _ := tlv.GetField(fields, id)
	return tlv.U64FromBytes(f.Value)
}

func requiredString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}
