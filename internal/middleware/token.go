package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenAlgorithm = errors.New("token algorithm is not HS256")
	ErrTokenSignature = errors.New("token signature mismatch")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenEarly     = errors.New("token not valid yet")
)

var b64 = base64.RawURLEncoding

// Token 解码后的 compact JWT，签名尚未校验
type Token struct {
	Header map[string]interface{}
	Claims map[string]interface{}

	signingInput string
	signature    []byte
}

// DecodeToken 拆分 header.payload.signature 并解析 JSON；数字 claim 保留为 json.Number
func DecodeToken(raw string) (*Token, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}
	t := &Token{signingInput: parts[0] + "." + parts[1]}
	if err := decodeSegment(parts[0], &t.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrTokenMalformed, err)
	}
	if err := decodeSegment(parts[1], &t.Claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrTokenMalformed, err)
	}
	sig, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrTokenMalformed, err)
	}
	t.signature = sig
	return t, nil
}

func decodeSegment(seg string, out *map[string]interface{}) error {
	raw, err := b64.DecodeString(seg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

// ExpectedSignature 用 secret 计算出的 base64url 签名
func (t *Token) ExpectedSignature(secret string) string {
	return b64.EncodeToString(sign(t.signingInput, secret))
}

// VerifySignature 只接受 HS256（header 未写 alg 时按 HS256 处理）
func (t *Token) VerifySignature(secret string) error {
	if alg, _ := t.Header["alg"].(string); alg != "" && alg != "HS256" {
		return ErrTokenAlgorithm
	}
	if !hmac.Equal(t.signature, sign(t.signingInput, secret)) {
		return ErrTokenSignature
	}
	return nil
}

// CheckTime 校验 nbf / iat / exp；缺失的 claim 不做限制
func (t *Token) CheckTime(now time.Time) error {
	sec := now.Unix()
	if v, ok := t.unix("nbf"); ok && sec < v {
		return ErrTokenEarly
	}
	if v, ok := t.unix("iat"); ok && sec < v {
		return ErrTokenEarly
	}
	if v, ok := t.unix("exp"); ok && sec >= v {
		return ErrTokenExpired
	}
	return nil
}

func (t *Token) unix(key string) (int64, bool) {
	switch v := t.Claims[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			return int64(f), ferr == nil
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Subject 操作人 ID：user_id 优先，其次 sub
func (t *Token) Subject() string {
	if s := t.claimString("user_id"); s != "" {
		return s
	}
	return t.claimString("sub")
}

// OrgID 租户组织
func (t *Token) OrgID() string { return t.claimString("org_id") }

func (t *Token) Roles() []string { return claimList(t.Claims["roles"]) }

// Permissions 令牌直接携带的权限点（perms 或 permissions）
func (t *Token) Permissions() []string {
	if v, ok := t.Claims["perms"]; ok {
		return claimList(v)
	}
	return claimList(t.Claims["permissions"])
}

func (t *Token) claimString(key string) string {
	switch v := t.Claims[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}

// claimList 接受 JSON 数组或逗号分隔字符串
func claimList(v interface{}) []string {
	var items []string
	switch t := v.(type) {
	case string:
		items = strings.Split(t, ",")
	case []interface{}:
		for _, it := range t {
			if s, ok := it.(string); ok {
				items = append(items, s)
			}
		}
	}
	var out []string
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseHS256 解码并校验签名与时间 claim
func ParseHS256(raw, secret string, now time.Time) (*Token, error) {
	t, err := DecodeToken(raw)
	if err != nil {
		return nil, err
	}
	if err := t.VerifySignature(secret); err != nil {
		return nil, err
	}
	if err := t.CheckTime(now); err != nil {
		return nil, err
	}
	return t, nil
}

// SignHS256 签发 compact JWT
func SignHS256(claims map[string]interface{}, secret string) (string, error) {
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	input := b64.EncodeToString(header) + "." + b64.EncodeToString(payload)
	return input + "." + b64.EncodeToString(sign(input, secret)), nil
}

func sign(input, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(input))
	return mac.Sum(nil)
}
