// Package validation содержит проверки пользовательского ввода.
package validation

import "regexp"

var emailRe = regexp.MustCompile(`^\w+([-.]?\w+)*@\w+([-.]?\w+)*(\.\w{2,})+$`)

// IsValidEmail проверяет, что строка похожа на корректный email.
func IsValidEmail(email string) bool {
	return emailRe.MatchString(email)
}
