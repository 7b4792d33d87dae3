package chat

import "fmt"

// User-facing texts. Provider and storage details never reach these.
const (
	apologyText  = "⚠️ Something went wrong with your request. ⚠️\nSend /reset and try your question again."
	deniedText   = "Sorry, you have no access to the assistant right now. Buy a subscription to keep chatting."
	freeOverText = "Your free messages are over."
	resetText    = "Done!"
)

// PaidText confirms a subscription purchase of the given length.
func PaidText(days int) string {
	unit := "days"
	if days == 1 {
		unit = "day"
	}
	return fmt.Sprintf("You have successfully paid for %d %s of subscription.", days, unit)
}
