package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"council/internal/decision"
	"council/internal/pkg/jsonutil"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errNoJSON = errors.New("no json object in response")

// 枚举字段：去空白并转小写后再做 schema 校验。
var enumFields = map[string]bool{"label": true, "direction": true, "rule": true}

// 纯文本字段，不尝试数字转换。
var textFields = map[string]bool{"rationale": true, "reason": true, "summary": true}

// parseResponse 从原始文本中提取 JSON，按 schema 校验后解码为对应的投票变体。
func parseResponse(raw string, schema *responseSchema) (decision.Vote, error) {
	body, ok := jsonutil.ExtractObject(raw)
	if !ok || !gjson.Valid(body) {
		return decision.Vote{}, errNoJSON
	}
	var doc any
	if err := json.UnmarshalFromString(body, &doc); err != nil {
		return decision.Vote{}, fmt.Errorf("decode: %w", err)
	}
	doc = sanitize(doc, "")
	if err := schema.compiled.Validate(doc); err != nil {
		return decision.Vote{}, fmt.Errorf("schema: %w", err)
	}
	clean, err := json.Marshal(doc)
	if err != nil {
		return decision.Vote{}, err
	}
	vote := decision.Vote{Kind: schema.kind}
	switch schema.kind {
	case decision.KindContext:
		vote.Context = &decision.ContextVote{}
		err = json.Unmarshal(clean, vote.Context)
	case decision.KindPlan:
		vote.Plan = &decision.Plan{}
		err = json.Unmarshal(clean, vote.Plan)
	case decision.KindScore:
		vote.Score = &decision.ScoreVote{}
		err = json.Unmarshal(clean, vote.Score)
	case decision.KindCritique:
		vote.Critique = &decision.Critique{}
		err = json.Unmarshal(clean, vote.Critique)
	default:
		err = fmt.Errorf("unexpected vote kind %q", schema.kind)
	}
	if err != nil {
		return decision.Vote{}, err
	}
	return vote, nil
}

// sanitize 兼容模型常见的输出偏差：数字写成字符串（"3000"）、枚举大小写不一致。
func sanitize(v any, key string) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitize(child, k)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitize(child, key)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		switch {
		case enumFields[key]:
			return strings.ToLower(s)
		case textFields[key], s == "":
			return val
		}
		if num, err := strconv.ParseFloat(s, 64); err == nil {
			return num
		}
		return val
	default:
		return val
	}
}
