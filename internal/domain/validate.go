package domain

import (
	"fmt"
	"regexp"
)

// phonePatterns holds the subscriber number format each gateway accepts.
// International format without the plus sign, as the providers require it
// on their collection APIs.
var phonePatterns = map[GatewayType]*regexp.Regexp{
	GatewayMTNMoMo:     regexp.MustCompile(`^256(7[0-9]|3[0-9])\d{7}$`),
	GatewayAirtelMoney: regexp.MustCompile(`^25(07|67)\d{8}$`),
	GatewayMPesa:       regexp.MustCompile(`^254(7|1)\d{8}$`),
}

// ValidateInitiation checks a payment request before anything external is
// touched. Failures wrap ErrValidation.
func ValidateInitiation(gw GatewayType, amount float64, payerPhone string) error {
	pattern, ok := phonePatterns[gw]
	if !ok {
		return fmt.Errorf("%w: unknown gateway type %q", ErrValidation, gw)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %.2f", ErrValidation, amount)
	}
	if !pattern.MatchString(payerPhone) {
		return fmt.Errorf("%w: phone %q is not valid for gateway %s", ErrValidation, payerPhone, gw)
	}
	return nil
}
