package payment

import (
	"fmt"
	"strings"
)

var phoneStripper = strings.NewReplacer("+", "", " ", "", "-", "", "(", "", ")", "")

// NormalizePhone converts a local or international number into the
// digits-only international form the mobile money provider expects,
// e.g. "0712 345 678" -> "254712345678".
func NormalizePhone(raw, countryCode string) (string, error) {
	phone := phoneStripper.Replace(strings.TrimSpace(raw))
	if phone == "" {
		return "", fmt.Errorf("%w: phone number is required", ErrInvalidPhone)
	}

	switch {
	case strings.HasPrefix(phone, "0"):
		phone = countryCode + phone[1:]
	case !strings.HasPrefix(phone, countryCode):
		phone = countryCode + phone
	}

	for _, r := range phone {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q contains non-digit characters", ErrInvalidPhone, raw)
		}
	}
	if len(phone) < 10 || len(phone) > 15 {
		return "", fmt.Errorf("%w: %q must have 10 to 15 digits", ErrInvalidPhone, raw)
	}
	return phone, nil
}
