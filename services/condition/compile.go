package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Phillboard/mobul-sub010/pkg/celengine"

	"github.com/google/cel-go/cel"
	"github.com/xeipuuv/gojsonschema"
)

var errMalformed = errors.New("malformed condition definition")

// compiled is a definition with its filter and schema prepared. A non-nil
// err marks the definition as malformed: it is never matched and never
// blocks later conditions.
type compiled struct {
	def    *Definition
	filter cel.Program
	schema *gojsonschema.Schema
	err    error
}

func (c *compiled) wellFormed() bool {
	return c.err == nil
}

func compileDefinition(def *Definition) *compiled {
	c := &compiled{def: def}

	if !def.ConditionType.Valid() {
		c.err = fmt.Errorf("%w: unknown condition type %q", errMalformed, def.ConditionType)
		return c
	}
	if !def.TriggerAction.Valid() {
		c.err = fmt.Errorf("%w: unknown trigger action %q", errMalformed, def.TriggerAction)
		return c
	}
	if def.TriggerAction.SendsReward() && (def.RewardPoolID == nil || *def.RewardPoolID == "") {
		c.err = fmt.Errorf("%w: %s needs a reward pool", errMalformed, def.TriggerAction)
		return c
	}

	if expr := strings.TrimSpace(def.FilterExpression); expr != "" {
		env, err := celengine.EventEnv()
		if err != nil {
			c.err = err
			return c
		}
		prg, err := celengine.Compile(env, expr)
		if err != nil {
			c.err = fmt.Errorf("%w: filter: %v", errMalformed, err)
			return c
		}
		c.filter = prg
	}

	if len(def.MetadataSchema) > 0 && string(def.MetadataSchema) != "null" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.MetadataSchema))
		if err != nil {
			c.err = fmt.Errorf("%w: metadata schema: %v", errMalformed, err)
			return c
		}
		c.schema = schema
	}

	return c
}

// matches reports whether an event of eventType with metadata satisfies
// the definition's type and filter.
func (c *compiled) matches(eventType string, metadata map[string]any) (bool, error) {
	if string(c.def.ConditionType) != eventType {
		return false, nil
	}
	if c.filter == nil {
		return true, nil
	}
	return celengine.EvalBool(c.filter, celengine.EventAttributes(eventType, metadata))
}

// validateMetadata checks metadata against the definition's JSON schema.
func (c *compiled) validateMetadata(metadata map[string]any) error {
	if c.schema == nil {
		return nil
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	result, err := c.schema.Validate(gojsonschema.NewGoLoader(metadata))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("metadata validation failed: %v", errs)
	}
	return nil
}

func encodeMetadata(metadata map[string]any) []byte {
	if len(metadata) == 0 {
		return nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil
	}
	return b
}

func decodeMetadata(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
