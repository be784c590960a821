package gateway

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/betbot/hlmcp/internal/apperr"
)

// ParamType 参数类型
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
)

// Param 工具参数声明。Min/Max 对 number 和 integer 生效（闭区间）
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
	Default     interface{}
	Min         *float64
	Max         *float64
}

func bound(v float64) *float64 { return &v }

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// Args 通过校验的参数，缺省值已填充
type Args struct {
	values map[string]interface{}
}

// Has 调用方是否提供了该参数（或有缺省值）
func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

func (a Args) String(name string) string {
	s, _ := a.values[name].(string)
	return s
}

func (a Args) Int(name string) int64 {
	n, _ := a.values[name].(int64)
	return n
}

func (a Args) Bool(name string) bool {
	b, _ := a.values[name].(bool)
	return b
}

func (a Args) Decimal(name string) decimal.Decimal {
	d, _ := a.values[name].(decimal.Decimal)
	return d
}

// DecimalPtr 未提供时返回 nil
func (a Args) DecimalPtr(name string) *decimal.Decimal {
	d, ok := a.values[name].(decimal.Decimal)
	if !ok {
		return nil
	}
	return &d
}

// parseArgs 按声明校验参数形状：类型、必填、枚举、范围；未声明的参数直接拒绝
func parseArgs(params []Param, raw json.RawMessage) (Args, error) {
	fields := map[string]json.RawMessage{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !isNull(trimmed) {
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return Args{}, apperr.Validation("arguments 必须是 JSON 对象")
		}
	}

	declared := make(map[string]bool, len(params))
	for _, p := range params {
		declared[p.Name] = true
	}
	var unknown []string
	for name := range fields {
		if !declared[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Args{}, apperr.Validation("未知参数: %s", strings.Join(unknown, ", "))
	}

	values := make(map[string]interface{}, len(params))
	for _, p := range params {
		v, ok := fields[p.Name]
		if !ok || isNull(v) {
			if p.Required {
				return Args{}, apperr.Validation("缺少必填参数 %s", p.Name)
			}
			if p.Default != nil {
				values[p.Name] = p.Default
			}
			continue
		}
		parsed, err := p.parse(v)
		if err != nil {
			return Args{}, err
		}
		values[p.Name] = parsed
	}
	return Args{values: values}, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func (p Param) parse(raw json.RawMessage) (interface{}, error) {
	switch p.Type {
	case TypeString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, apperr.Validation("%s 必须是字符串", p.Name)
		}
		s = strings.TrimSpace(s)
		if s == "" && p.Required {
			return nil, apperr.Validation("%s 不能为空", p.Name)
		}
		if len(p.Enum) > 0 {
			for _, e := range p.Enum {
				if strings.EqualFold(s, e) {
					return e, nil
				}
			}
			return nil, apperr.Validation("%s 必须是 %s 之一，收到 %q", p.Name, strings.Join(p.Enum, " | "), s)
		}
		return s, nil

	case TypeNumber:
		d, err := parseNumber(raw)
		if err != nil {
			return nil, apperr.Validation("%s 必须是数字", p.Name)
		}
		if err := p.checkBounds(d); err != nil {
			return nil, err
		}
		return d, nil

	case TypeInteger:
		d, err := parseNumber(raw)
		if err != nil || !d.Equal(d.Truncate(0)) {
			return nil, apperr.Validation("%s 必须是整数", p.Name)
		}
		if d.LessThan(minInt64) || d.GreaterThan(maxInt64) {
			return nil, apperr.Validation("%s 超出整数范围", p.Name)
		}
		if err := p.checkBounds(d); err != nil {
			return nil, err
		}
		return d.IntPart(), nil

	case TypeBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b, nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return v, nil
			}
		}
		return nil, apperr.Validation("%s 必须是布尔值", p.Name)
	}
	return nil, apperr.New(apperr.KindInternal, "参数 %s 类型未知", p.Name)
}

// parseNumber 接受 JSON 数字或十进制字符串（价格、数量常以字符串传递）
func parseNumber(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return decimal.NewFromString(strings.TrimSpace(s))
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(n.String())
}

func (p Param) checkBounds(d decimal.Decimal) error {
	f, _ := d.Float64()
	if p.Min != nil && f < *p.Min {
		return apperr.Validation("%s 不能小于 %v", p.Name, *p.Min)
	}
	if p.Max != nil && f > *p.Max {
		return apperr.Validation("%s 不能大于 %v", p.Name, *p.Max)
	}
	return nil
}

// schema JSON Schema 形式的参数声明，用于 tools/list
func schema(params []Param) map[string]interface{} {
	props := make(map[string]interface{}, len(params))
	required := []string{}
	for _, p := range params {
		prop := map[string]interface{}{"type": string(p.Type)}
		if p.Type == TypeNumber {
			prop["type"] = []string{"number", "string"}
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if p.Min != nil {
			prop["minimum"] = *p.Min
		}
		if p.Max != nil {
			prop["maximum"] = *p.Max
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	out := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}
