package errors

import (
	"fmt"
	"strings"
)

// FormatForUser returns a user-friendly error message.
// If debug is true, the underlying cause is appended.
func FormatForUser(err error, debug bool) string {
	if err == nil {
		return ""
	}

	ae, ok := As(err)
	if !ok {
		// Standard error - just return message
		return err.Error()
	}

	var sb strings.Builder

	// Main error message
	sb.WriteString("Error: ")
	sb.WriteString(ae.Message)
	sb.WriteString("\n")

	// Suggestion if available
	if ae.Suggestion != "" {
		sb.WriteString("\nSuggestion: ")
		sb.WriteString(ae.Suggestion)
		sb.WriteString("\n")
	}

	if debug && ae.Cause != nil {
		sb.WriteString("\nCause: ")
		sb.WriteString(ae.Cause.Error())
		sb.WriteString("\n")
	}

	// Error code for reference
	sb.WriteString(fmt.Sprintf("\n[%s]", ae.Code))

	return sb.String()
}


