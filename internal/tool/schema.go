package tool

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"

	"chatloop/internal/domain"
)

// GenerateSchema derives the "parameters" object offered to the model from
// an argument struct. Fields without omitempty are required.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tool: marshal schema for %T: %v", v, err))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("tool: decode schema for %T: %v", v, err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// decodeArgs converts the model's argument map into a typed struct.
func decodeArgs[T any](capability string, args map[string]any) (T, error) {
	var out T
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return out, domain.NewCapabilityError(capability, "invalid arguments: %v", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, domain.NewCapabilityError(capability, "invalid arguments: %v", err)
	}
	return out, nil
}

// FlexInt accepts a JSON number or a numeric string. Models frequently
// quote integers.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	if n, err := strconv.Atoi(s); err == nil {
		*f = FlexInt(n)
		return nil
	}
	fl, err := strconv.ParseFloat(s, 64)
	if err != nil || fl != float64(int(fl)) {
		return fmt.Errorf("expected an integer, got %s", string(data))
	}
	*f = FlexInt(int(fl))
	return nil
}

func (FlexInt) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer"}
}
