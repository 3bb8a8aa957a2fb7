// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package sanitize

import "strings"

// Field-specific helpers. These operate unconditionally - they do not consult
// the policy, so callers can mask individual fields even when whole-object
// sanitization is switched off.

// MaskEmail masks the local part and domain stem of an email address,
// preserving the TLD.
//
//	MaskEmail("john.doe@company.com") == "j***e@c***.com"
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "***"
	}

	local := email[:at]
	domain := email[at+1:]

	var maskedLocal string
	if len(local) > 2 {
		maskedLocal = local[:1] + "***" + local[len(local)-1:]
	} else {
		maskedLocal = "***"
	}

	dot := strings.LastIndex(domain, ".")
	if dot <= 0 {
		return maskedLocal + "@***"
	}

	stem := domain[:dot]
	tld := domain[dot+1:]
	maskedStem := "***"
	if len(stem) > 0 {
		maskedStem = stem[:1] + "***"
	}

	return maskedLocal + "@" + maskedStem + "." + tld
}

// MaskPhone keeps the last four digits of a phone number.
//
//	MaskPhone("+1 (555) 123-4567") == "***-***-4567"
func MaskPhone(phone string) string {
	digits := digitsOf(phone)
	if len(digits) < 4 {
		return "***-***"
	}
	return "***-***-" + digits[len(digits)-4:]
}

// MaskCard keeps the last four digits of a payment card number.
//
//	MaskCard("4111-1111-1111-1234") == "****-****-****-1234"
func MaskCard(card string) string {
	digits := digitsOf(card)
	if len(digits) < 4 {
		return "****"
	}
	return "****-****-****-" + digits[len(digits)-4:]
}

// digitsOf extracts the decimal digits of a string in order.
func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
