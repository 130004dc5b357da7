// Package messages holds the user-facing copy behind each template kind.
// Wording lives here and nowhere else; the core only picks template kinds
// and parameters.
package messages

import "fmt"

const ParseModeHTML = "HTML"

// FormatAmount renders integer cents as "R$ 19,90"-style text.
func FormatAmount(cents int64, currency string) string {
	symbol := currency
	switch currency {
	case "BRL":
		symbol = "R$"
	case "GBP":
		symbol = "£"
	case "USD":
		symbol = "$"
	case "EUR":
		symbol = "€"
	}
	return fmt.Sprintf("%s %d,%02d", symbol, cents/100, cents%100)
}

func StartOffer(amount string) string {
	return fmt.Sprintf("Welcome! Full access for <b>%s</b>. Tap below to get your payment code.", amount)
}

func PaymentCode(amount, code string) string {
	return fmt.Sprintf("Your payment of <b>%s</b> is ready.\n\nPay with this code:\n<code>%s</code>", amount, code)
}

func PaymentRetry() string {
	return "We couldn't create your payment right now. Please try again in a moment."
}

func Reminder(amount, code string) string {
	return fmt.Sprintf("Still there? Your payment of <b>%s</b> is waiting:\n<code>%s</code>", amount, code)
}

func Followup(discountPct int, amount string) string {
	return fmt.Sprintf("Special offer: <b>%d%% off</b>, now only <b>%s</b>. Tap below before it expires.", discountPct, amount)
}

func AccessGranted(portalURL, accessKey string) string {
	return fmt.Sprintf("Payment confirmed! 🎉\n\nAccess: %s\nKey: <code>%s</code>", portalURL, accessKey)
}

func CheckWait() string {
	return "Payment not confirmed yet. It can take a minute — please wait and verify again."
}

func AlreadyPaid() string {
	return "You're all set — your payment is already confirmed."
}

func PaymentFailure() string {
	return "That payment didn't go through. You can request a new code anytime."
}

func BtnPayNow() string     { return "💳 Pay now" }
func BtnVerifyPaid() string { return "I've paid — Verify" }
