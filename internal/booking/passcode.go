package booking

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
)

const passcodeDigits = 6

var passcodeMax = big.NewInt(1_000_000)

// NewPasscode returns a fresh uniform 6-digit passcode. It is drawn from
// crypto/rand and carries no relation to slot or patient identifiers.
func NewPasscode() (string, error) {
	n, err := rand.Int(rand.Reader, passcodeMax)
	if err != nil {
		return "", fmt.Errorf("generate passcode: %w", err)
	}
	return fmt.Sprintf("%0*d", passcodeDigits, n.Int64()), nil
}

func passcodeMatches(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
