package taxonomy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"resume-matcher/internal/textnorm"
	"resume-matcher/internal/types"
)

// ParseTaxonomy 将模型输出解析为关键词分类。
// 依次去除BOM和代码块标记、截取最外层JSON对象、修复非法UTF-8，解析失败时修复引号后再试一次。
func ParseTaxonomy(content string) (*types.KeywordTaxonomy, error) {
	content = strings.TrimSpace(strings.TrimPrefix(content, "\uFEFF"))
	if content == "" {
		return nil, ErrEmptyResponse
	}
	content = stripCodeFence(content)

	jsonStr := extractJSONObject(content)
	if jsonStr == "" {
		return nil, ErrNoJSONObject
	}
	jsonStr = strings.ToValidUTF8(jsonStr, "")

	var raw map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		fixed := sanitizeJSON(jsonStr)
		if jsonErr := json.Unmarshal([]byte(fixed), &raw); jsonErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
	}
	return Coerce(raw)
}

// stripCodeFence 去掉 ```json ... ``` 包裹
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// extractJSONObject 按括号层级截取第一个完整的JSON对象，字符串字面量中的括号不计入层级
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return ""
	}
	level := 0
	inStr, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inStr:
			escaped = true
		case c == '"':
			inStr = !inStr
		case c == '{' && !inStr:
			level++
		case c == '}' && !inStr:
			level--
			if level == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// sanitizeJSON 将字符串字面量内部未转义的双引号改写为 \"。
// 通过下一个非空白字符是否为 : , ] } 判断一个 " 是否真正结束字符串。
func sanitizeJSON(src string) string {
	var b strings.Builder
	b.Grow(len(src) + 16)
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '"' && !escaped:
			if !inStr {
				inStr = true
				b.WriteByte(c)
				break
			}
			j := i + 1
			for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
				j++
			}
			if j >= len(src) || src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}' {
				inStr = false
				b.WriteByte(c)
			} else {
				b.WriteString(`\"`)
			}
		case c == '\\' && !escaped:
			escaped = true
			b.WriteByte(c)
			continue
		default:
			b.WriteByte(c)
		}
		escaped = false
	}
	return b.String()
}

var partitionKeys = map[string][]string{
	"required":  {"required_keywords", "required"},
	"preferred": {"preferred_keywords", "preferred"},
}

// Coerce 将未校验的JSON结构转换为满足约束的关键词分类：
// 丢弃未知类别和空字符串，数字转为字符串，统一小写并去重；两个分区都出现的关键词只保留在必需分区。
// 两个分区都不存在，或分区不是对象时返回 ErrNonConforming。
func Coerce(raw map[string]any) (*types.KeywordTaxonomy, error) {
	required, reqFound, err := partition(raw, partitionKeys["required"])
	if err != nil {
		return nil, err
	}
	preferred, prefFound, err := partition(raw, partitionKeys["preferred"])
	if err != nil {
		return nil, err
	}
	if !reqFound && !prefFound {
		return nil, fmt.Errorf("%w: 缺少 required_keywords 和 preferred_keywords", ErrNonConforming)
	}

	for c, prefs := range preferred {
		if len(required[c]) == 0 {
			continue
		}
		inRequired := make(map[string]struct{}, len(required[c]))
		for _, kw := range required[c] {
			inRequired[kw] = struct{}{}
		}
		kept := prefs[:0]
		for _, kw := range prefs {
			if _, dup := inRequired[kw]; !dup {
				kept = append(kept, kw)
			}
		}
		if len(kept) == 0 {
			delete(preferred, c)
		} else {
			preferred[c] = kept
		}
	}

	return &types.KeywordTaxonomy{Required: required, Preferred: preferred}, nil
}

// partition 读取一个分区；found 表示该分区键存在
func partition(raw map[string]any, keys []string) (map[types.Category][]string, bool, error) {
	out := make(map[types.Category][]string)
	var value any
	found := false
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			value, found = v, true
			break
		}
	}
	if !found || value == nil {
		return out, found, nil
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, true, fmt.Errorf("%w: %s 不是对象", ErrNonConforming, keys[0])
	}

	sets := make(map[types.Category]map[string]struct{})
	for name, v := range obj {
		c, ok := types.ParseCategory(name)
		if !ok {
			continue
		}
		if sets[c] == nil {
			sets[c] = make(map[string]struct{})
		}
		for _, kw := range keywordList(v) {
			kw = textnorm.NormalizeKeyword(kw)
			// 分词后为空的关键词 (如 "-"、"&") 永远无法命中
			if kw == "" || len(textnorm.KeywordTokens(kw)) == 0 {
				continue
			}
			sets[c][kw] = struct{}{}
		}
	}

	for c, set := range sets {
		if len(set) == 0 {
			continue
		}
		list := make([]string, 0, len(set))
		for kw := range set {
			list = append(list, kw)
		}
		sort.Strings(list)
		out[c] = list
	}
	return out, true, nil
}

// keywordList 接受字符串数组、单个字符串或数字，其余类型丢弃
func keywordList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case float64:
		return []string{strconv.FormatFloat(t, 'f', -1, 64)}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case float64:
				out = append(out, strconv.FormatFloat(s, 'f', -1, 64))
			}
		}
		return out
	default:
		return nil
	}
}

// FromClient 校验调用方直接提交的分类，规则与模型输出相同；
// 额外读取 scoring_categories，未知类别被丢弃。
func FromClient(raw map[string]any) (*types.KeywordTaxonomy, error) {
	tax, err := Coerce(raw)
	if err != nil {
		return nil, err
	}
	if list, ok := raw["scoring_categories"].([]any); ok {
		seen := make(map[types.Category]bool, len(list))
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if c, ok := types.ParseCategory(s); ok && !seen[c] {
				seen[c] = true
				tax.ScoringCategories = append(tax.ScoringCategories, c)
			}
		}
	}
	return tax, nil
}
