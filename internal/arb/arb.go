// Package arb owns the opaque attachments carried by gates, measurements and
// commands. Their contents are never interpreted by the protocol core.
package arb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidIdentifier = errors.New("arb: invalid identifier")
	ErrInvalidJSON       = errors.New("arb: json payload must be an object")
)

// Data is an opaque payload: a JSON object plus a list of binary arguments.
type Data struct {
	JSON json.RawMessage `json:"json,omitempty"`
	Args [][]byte        `json:"args,omitempty"`
}

// NewData builds Data, rejecting JSON that is not an object.
func NewData(raw []byte, args ...[]byte) (Data, error) {
	d := Data{Args: cloneArgs(args)}
	if len(bytes.TrimSpace(raw)) == 0 {
		return d, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	d.JSON = append(json.RawMessage(nil), raw...)
	return d, nil
}

// IsEmpty reports whether d carries neither JSON nor arguments.
func (d Data) IsEmpty() bool {
	return len(d.JSON) == 0 && len(d.Args) == 0
}

// Clone returns a deep copy.
func (d Data) Clone() Data {
	out := Data{Args: cloneArgs(d.Args)}
	if len(d.JSON) > 0 {
		out.JSON = append(json.RawMessage(nil), d.JSON...)
	}
	return out
}

// Equal compares the JSON bytes and arguments exactly.
func (d Data) Equal(o Data) bool {
	if !bytes.Equal(d.JSON, o.JSON) || len(d.Args) != len(o.Args) {
		return false
	}
	for i := range d.Args {
		if !bytes.Equal(d.Args[i], o.Args[i]) {
			return false
		}
	}
	return true
}

// Cmd is an arbitrary command addressed by interface and operation.
type Cmd struct {
	Interface string `json:"interface"`
	Operation string `json:"operation"`
	Data      Data   `json:"data"`
}

// NewCmd validates both identifiers.
func NewCmd(iface, oper string, data Data) (Cmd, error) {
	if err := ValidateIdentifier(iface); err != nil {
		return Cmd{}, err
	}
	if err := ValidateIdentifier(oper); err != nil {
		return Cmd{}, err
	}
	return Cmd{Interface: iface, Operation: oper, Data: data.Clone()}, nil
}

func (c Cmd) Validate() error {
	if err := ValidateIdentifier(c.Interface); err != nil {
		return err
	}
	return ValidateIdentifier(c.Operation)
}

// Matches reports whether c targets the given interface and operation.
func (c Cmd) Matches(iface, oper string) bool {
	return c.Interface == iface && c.Operation == oper
}

func (c Cmd) String() string {
	return c.Interface + "." + c.Operation
}

// ValidateIdentifier accepts non-empty [a-zA-Z0-9_]+ strings.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: identifiers must not be empty", ErrInvalidIdentifier)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return fmt.Errorf("%w: %q contains characters outside [a-zA-Z0-9_]", ErrInvalidIdentifier, id)
		}
	}
	return nil
}

func cloneArgs(in [][]byte) [][]byte {
	if len(in) == 0 {
		return nil
	}
	out := make([][]byte, len(in))
	for i, a := range in {
		out[i] = append([]byte(nil), a...)
	}
	return out
}
