package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptの入力上限
const maxPasswordBytes = 72

// ErrPasswordTooLong はbcryptで扱えない長さのパスワードを表す。
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// HashPassword はパスワードをbcryptでハッシュ化する。
func HashPassword(password string, cost int) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// checkPassword はハッシュとパスワードが一致するかを定数時間で比較する。
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
