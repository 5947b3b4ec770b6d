package auth

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/ritual/internal/intention"
)

// NormalizeEmail trims, NFC-normalises and case-folds an address. It only
// checks the shape loosely; the auth API is the authority on validity.
func NormalizeEmail(email string) (string, error) {
	e := cases.Fold().String(norm.NFC.String(strings.TrimSpace(email)))
	at := strings.LastIndex(e, "@")
	if e == "" || at <= 0 || at == len(e)-1 || strings.ContainsAny(e, " \t\r\n") {
		return "", fmt.Errorf("%w: invalid email %q", intention.ErrValidation, email)
	}
	return e, nil
}
