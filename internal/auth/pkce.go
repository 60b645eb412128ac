package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkceVerifierBytes はcode_verifierの乱数バイト長。
// base64url化で43文字になり、RFC 7636の43〜128文字の要件を満たす。
const pkceVerifierBytes = 32

// GeneratePKCEVerifier は暗号学的乱数からcode_verifierを生成する。
// クライアントシークレットを持てないクライアントのため、
// 認可コードをローカル生成の乱数に紐付けるPKCE拡張を使用する。
func GeneratePKCEVerifier() (string, error) {
	buf := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PKCEChallengeS256 はcode_verifierからS256方式のcode_challengeを導出する。
// SHA-256ハッシュをパディングなしbase64urlでエンコードする。
func PKCEChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
