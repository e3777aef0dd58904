// Package textnorm 负责简历与JD文本的规范化、分词和内容指纹。
// 关键词与简历必须走同一套分词规则，否则命中判定会不一致。
package textnorm

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode"

	"resume-matcher/internal/types"
)

// bulletRunes 简历中常见的项目符号
var bulletRunes = map[rune]bool{
	'•': true, '●': true, '▪': true, '■': true, '◦': true, '○': true,
	'►': true, '▶': true, '➢': true, '✓': true, '✔': true, '·': true,
}

// Clean 去除项目符号和控制字符，折叠空白；保留大小写
func Clean(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToValidUTF8(text, " ") {
		switch {
		case bulletRunes[r], r == '\uFEFF', r == unicode.ReplacementChar:
			r = ' '
		case unicode.IsControl(r) && r != '\n':
			r = ' '
		}
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

// Normalize 清洗并转小写，作为指纹和分词的输入
func Normalize(text string) string {
	return strings.ToLower(Clean(text))
}

// isWordRune 可以构成词的字符
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Tokenize 将文本切分为小写词。
// 词由字母和数字组成；紧随其后的 '+' '#' 归入该词 (c++, c#)；
// 两侧都是词字符的 '.' 保留 (node.js, asp.net)。
func Tokenize(text string) []string {
	runes := []rune(strings.ToLower(text))
	tokens := make([]string, 0, len(runes)/5+1)

	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case isWordRune(r):
			cur = append(cur, r)
		case (r == '+' || r == '#') && len(cur) > 0:
			cur = append(cur, r)
		case r == '.' && len(cur) > 0 && i+1 < len(runes) && isWordRune(runes[i+1]) && isWordRune(cur[len(cur)-1]):
			cur = append(cur, r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// Bag 统计词频
func Bag(tokens []string) types.TokenBag {
	bag := make(types.TokenBag, len(tokens))
	for _, t := range tokens {
		bag[t]++
	}
	return bag
}

// BagOf 对文本分词并统计词频
func BagOf(text string) types.TokenBag {
	return Bag(Tokenize(text))
}

// NormalizeKeyword 关键词规范化：去首尾空白、折叠内部空白、小写
func NormalizeKeyword(kw string) string {
	return strings.Join(strings.Fields(strings.ToLower(kw)), " ")
}

// KeywordTokens 关键词的去重词序列，多词关键词按连词匹配
func KeywordTokens(kw string) []string {
	raw := Tokenize(kw)
	seen := make(map[string]struct{}, len(raw))
	out := raw[:0]
	for _, t := range raw {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Fingerprint 规范化文本的MD5十六进制串，用作简历去重键和缓存键
func Fingerprint(text string) string {
	sum := md5.Sum([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// ContentKey 清洗后文本的MD5十六进制串。与 Fingerprint 不同，大小写不同的文本得到不同的键，
// 用于向量缓存：向量模型对大小写敏感
func ContentKey(text string) string {
	sum := md5.Sum([]byte(Clean(text)))
	return hex.EncodeToString(sum[:])
}
