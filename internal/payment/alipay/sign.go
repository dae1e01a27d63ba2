package alipay

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// buildSignContent 待签名串：非空参数按 key 升序拼接，排除 sign 与 sign_type
func buildSignContent(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key, value := range params {
		key = strings.TrimSpace(key)
		if key == "" || strings.EqualFold(key, "sign") || strings.EqualFold(key, "sign_type") {
			continue
		}
		if value == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+params[key])
	}
	return strings.Join(parts, "&")
}

// buildRequestSignContent 请求签名串，sign_type 参与签名
func buildRequestSignContent(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key, value := range params {
		if key == "" || key == "sign" || value == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+params[key])
	}
	return strings.Join(parts, "&")
}

func formToParams(form url.Values) map[string]string {
	params := make(map[string]string, len(form))
	for key, values := range form {
		if len(values) == 0 {
			continue
		}
		params[strings.TrimSpace(key)] = values[0]
	}
	return params
}

func hashFor(signType string, content []byte) (crypto.Hash, []byte) {
	if strings.EqualFold(strings.TrimSpace(signType), "RSA") {
		sum := sha1.Sum(content)
		return crypto.SHA1, sum[:]
	}
	sum := sha256.Sum256(content)
	return crypto.SHA256, sum[:]
}

func signContent(content string, privateKey *rsa.PrivateKey, signType string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("%w: empty sign content", ErrSignGenerate)
	}
	hashType, digest := hashFor(signType, []byte(content))
	signBytes, err := rsa.SignPKCS1v15(rand.Reader, privateKey, hashType, digest)
	if err != nil {
		return "", fmt.Errorf("%w: sign failed", ErrSignGenerate)
	}
	return base64.StdEncoding.EncodeToString(signBytes), nil
}

func verifyContent(content []byte, sign string, publicKey *rsa.PublicKey, signType string) error {
	sign = strings.TrimSpace(sign)
	if sign == "" {
		return fmt.Errorf("%w: sign is required", ErrSignatureInvalid)
	}
	signBytes, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return fmt.Errorf("%w: decode sign failed", ErrSignatureInvalid)
	}
	hashType, digest := hashFor(signType, content)
	if err := rsa.VerifyPKCS1v15(publicKey, hashType, digest, signBytes); err != nil {
		return fmt.Errorf("%w: verify failed", ErrSignatureInvalid)
	}
	return nil
}

func normalizePEM(raw, blockType string) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(raw, "\\n", "\n"))
	if normalized == "" {
		return ""
	}
	if !strings.Contains(normalized, "BEGIN") {
		normalized = "-----BEGIN " + blockType + "-----\n" + normalized + "\n-----END " + blockType + "-----"
	}
	return normalized
}

func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	normalized := normalizePEM(raw, "PRIVATE KEY")
	if normalized == "" {
		return nil, fmt.Errorf("%w: private key is empty", ErrConfigInvalid)
	}
	block, _ := pem.Decode([]byte(normalized))
	if block == nil {
		return nil, fmt.Errorf("%w: private key pem decode failed", ErrConfigInvalid)
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if privateKey, ok := parsed.(*rsa.PrivateKey); ok {
			return privateKey, nil
		}
		return nil, fmt.Errorf("%w: private key type is not rsa", ErrConfigInvalid)
	}
	if privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return privateKey, nil
	}
	return nil, fmt.Errorf("%w: parse private key failed", ErrConfigInvalid)
}

func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	normalized := normalizePEM(raw, "PUBLIC KEY")
	if normalized == "" {
		return nil, fmt.Errorf("%w: public key is empty", ErrConfigInvalid)
	}
	block, _ := pem.Decode([]byte(normalized))
	if block == nil {
		return nil, fmt.Errorf("%w: public key pem decode failed", ErrConfigInvalid)
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if publicKey, ok := parsed.(*rsa.PublicKey); ok {
			return publicKey, nil
		}
		return nil, fmt.Errorf("%w: public key type is not rsa", ErrConfigInvalid)
	}
	if publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return publicKey, nil
	}
	return nil, fmt.Errorf("%w: parse public key failed", ErrConfigInvalid)
}
