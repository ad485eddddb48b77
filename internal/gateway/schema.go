package gateway

import (
	"fmt"
	"strings"

	"council/internal/decision"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const contextSchema = `{
  "type": "object",
  "required": ["label"],
  "properties": {
    "label": {"enum": ["bullish", "bearish", "uncertain"]},
    "rationale": {"type": "string"}
  }
}`

const planSchema = `{
  "type": "object",
  "required": ["direction"],
  "properties": {
    "direction": {"enum": ["buy", "sell", "hold"]},
    "entry": {"type": "number"},
    "stop_loss": {"type": "number"},
    "take_profit": {"type": "array", "items": {"type": "number"}},
    "position_size_fraction": {"type": "number"},
    "rationale": {"type": "string"}
  },
  "if": {"properties": {"direction": {"enum": ["buy", "sell"]}}},
  "then": {
    "required": ["entry", "stop_loss", "take_profit", "position_size_fraction"],
    "properties": {"take_profit": {"minItems": 1}}
  }
}`

const scoreSchema = `{
  "type": "object",
  "required": ["scores"],
  "properties": {
    "scores": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["data_alignment", "risk_control", "reward_risk", "realism"],
        "properties": {
          "data_alignment": {"type": "number", "minimum": 0, "maximum": 5},
          "risk_control": {"type": "number", "minimum": 0, "maximum": 5},
          "reward_risk": {"type": "number", "minimum": 0, "maximum": 5},
          "realism": {"type": "number", "minimum": 0, "maximum": 5}
        }
      }
    }
  }
}`

const critiqueSchema = `{
  "type": "object",
  "required": ["objections"],
  "properties": {
    "objections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["rule", "hard"],
        "properties": {
          "rule": {"enum": ["max_stop_distance_pct", "max_position_fraction", "forbid_direction", "min_reward_risk"]},
          "limit": {"type": "number"},
          "direction": {"enum": ["buy", "sell", "hold"]},
          "hard": {"type": "boolean"},
          "reason": {"type": "string"}
        }
      }
    },
    "summary": {"type": "string"}
  }
}`

// responseSchema 为一种投票变体的响应约束。
type responseSchema struct {
	kind     decision.VoteKind
	raw      string
	compiled *jsonschema.Schema
}

var schemas = map[decision.VoteKind]*responseSchema{}

func init() {
	for kind, raw := range map[decision.VoteKind]string{
		decision.KindContext:  contextSchema,
		decision.KindPlan:     planSchema,
		decision.KindScore:    scoreSchema,
		decision.KindCritique: critiqueSchema,
	} {
		compiled, err := compileSchema(string(kind), raw)
		if err != nil {
			panic(fmt.Sprintf("compile %s schema: %v", kind, err))
		}
		schemas[kind] = &responseSchema{kind: kind, raw: raw, compiled: compiled}
	}
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// ExpectedKind 返回某阶段某角色应产出的投票变体。
func ExpectedKind(phase decision.Phase, role decision.Role) (decision.VoteKind, error) {
	switch phase {
	case decision.PhaseContextVoting, decision.PhaseDebate:
		return decision.KindContext, nil
	case decision.PhasePlanProposing:
		if role == decision.RoleDevilsAdvocate {
			return decision.KindCritique, nil
		}
		return decision.KindPlan, nil
	case decision.PhasePlanVoting:
		return decision.KindScore, nil
	}
	return "", fmt.Errorf("phase %q takes no agent input", phase)
}

func schemaFor(kind decision.VoteKind) *responseSchema {
	return schemas[kind]
}
