package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordVerifier はbcryptハッシュとパスワードを照合する。
type PasswordVerifier struct {
	dummyHash []byte
}

// NewPasswordVerifier はPasswordVerifierを生成する。
// 存在しないアカウントの照合に使うダミーハッシュをcostで生成する。
func NewPasswordVerifier(cost int) (*PasswordVerifier, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("incidentdesk-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dummy hash: %w", err)
	}
	return &PasswordVerifier{dummyHash: dummy}, nil
}

// Compare はパスワードがハッシュと一致するかを返す。
func (v *PasswordVerifier) Compare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CompareDummy はダミーハッシュとの照合を行い、常にfalseを返す。
// アカウントの有無で応答時間が変わらないようにする。
func (v *PasswordVerifier) CompareDummy(password string) bool {
	_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password))
	return false
}

// HashPassword はパスワードのbcryptハッシュを生成する。
func HashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
