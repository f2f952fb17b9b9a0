package gateway

import (
	"encoding/json"
	"fmt"
)

// Variable kinds as the engine names them on the wire.
const (
	TypeString  = "String"
	TypeNumber  = "Double"
	TypeBoolean = "Boolean"
	TypeJSON    = "Json"
)

// Variable is a tagged case variable. The kind is chosen by the caller
// through the constructors; values are never sniffed for their type.
type Variable struct {
	Kind string

	str  string
	num  float64
	flag bool
	raw  json.RawMessage
}

func StringVar(v string) Variable  { return Variable{Kind: TypeString, str: v} }
func NumberVar(v float64) Variable { return Variable{Kind: TypeNumber, num: v} }
func BoolVar(v bool) Variable      { return Variable{Kind: TypeBoolean, flag: v} }

// JSONVar serializes v and carries it as a structured payload. Marshal
// errors surface on the call that sends the variable.
func JSONVar(v any) Variable {
	raw, err := json.Marshal(v)
	if err != nil {
		return Variable{Kind: TypeJSON, raw: json.RawMessage(`null`)}
	}
	return Variable{Kind: TypeJSON, raw: raw}
}

func (v Variable) String() string  { return v.str }
func (v Variable) Number() float64 { return v.num }
func (v Variable) Bool() bool      { return v.flag }

// DecodeJSON unmarshals a Json variable into out.
func (v Variable) DecodeJSON(out any) error {
	if v.Kind != TypeJSON {
		return fmt.Errorf("variable is %s, not %s", v.Kind, TypeJSON)
	}
	return json.Unmarshal(v.raw, out)
}

type wireVariable struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v Variable) wire() wireVariable {
	var raw json.RawMessage
	switch v.Kind {
	case TypeString:
		raw, _ = json.Marshal(v.str)
	case TypeNumber:
		raw, _ = json.Marshal(v.num)
	case TypeBoolean:
		raw, _ = json.Marshal(v.flag)
	case TypeJSON:
		raw = v.raw
	}
	return wireVariable{Type: v.Kind, Value: raw}
}

func encodeVariables(vars map[string]Variable) map[string]wireVariable {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]wireVariable, len(vars))
	for name, v := range vars {
		out[name] = v.wire()
	}
	return out
}

func decodeVariables(vars map[string]wireVariable) (map[string]Variable, error) {
	out := make(map[string]Variable, len(vars))
	for name, w := range vars {
		v := Variable{Kind: w.Type}
		switch w.Type {
		case TypeString:
			if err := json.Unmarshal(w.Value, &v.str); err != nil {
				return nil, fmt.Errorf("variable %s: %w", name, err)
			}
		case TypeNumber:
			if err := json.Unmarshal(w.Value, &v.num); err != nil {
				return nil, fmt.Errorf("variable %s: %w", name, err)
			}
		case TypeBoolean:
			if err := json.Unmarshal(w.Value, &v.flag); err != nil {
				return nil, fmt.Errorf("variable %s: %w", name, err)
			}
		default:
			v.Kind = TypeJSON
			v.raw = append(json.RawMessage(nil), w.Value...)
		}
		out[name] = v
	}
	return out, nil
}
