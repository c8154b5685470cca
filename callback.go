package loom

import (
	"fmt"
	"strings"
)

// Callback data encoding shared by all inline-control surfaces:
//
//	wf:<workflowId>|s:<stepId>|a:<actionId>
//
// Modal submissions use a separate callback id:
//
//	wf_modal:<workflowId>:<stepId>
//
// Adapters must keep the encoded string within their transport's
// action-id length cap, truncating deterministically if exceeded.

const (
	callbackPrefix = "wf:"
	modalPrefix    = "wf_modal:"
)

// EncodeCallback builds the callback data string for one action.
func EncodeCallback(workflowID, stepID, actionID string) string {
	return fmt.Sprintf("wf:%s|s:%s|a:%s", workflowID, stepID, actionID)
}

// DecodeCallback parses callback data produced by EncodeCallback.
// Returns ok=false for anything that does not match the encoding.
func DecodeCallback(data string) (workflowID, stepID, actionID string, ok bool) {
	if !strings.HasPrefix(data, callbackPrefix) {
		return "", "", "", false
	}
	rest := strings.TrimPrefix(data, callbackPrefix)
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	stepPart, actionPart := parts[1], parts[2]
	if !strings.HasPrefix(stepPart, "s:") || !strings.HasPrefix(actionPart, "a:") {
		return "", "", "", false
	}
	workflowID = parts[0]
	stepID = strings.TrimPrefix(stepPart, "s:")
	actionID = strings.TrimPrefix(actionPart, "a:")
	if workflowID == "" || stepID == "" || actionID == "" {
		return "", "", "", false
	}
	return workflowID, stepID, actionID, true
}

// TruncateCallback trims an encoded callback to maxLen bytes. The cut is
// deterministic: the actionId is never touched, the stepId is shortened
// first, then the workflowId. Returns the input unchanged when it fits.
func TruncateCallback(data string, maxLen int) string {
	if len(data) <= maxLen || maxLen <= 0 {
		return data
	}
	wf, step, action, ok := DecodeCallback(data)
	if !ok {
		return data[:maxLen]
	}
	overhead := len(callbackPrefix) + len("|s:") + len("|a:") + len(action)
	room := maxLen - overhead
	if room < 2 {
		// Action id alone exceeds the cap; nothing sensible to keep.
		return data[:maxLen]
	}
	if len(wf)+len(step) > room {
		if len(step) > room/2 {
			step = step[:room/2]
		}
		if len(wf) > room-len(step) {
			wf = wf[:room-len(step)]
		}
	}
	return EncodeCallback(wf, step, action)
}

// EncodeModalID builds the callback id for a modal / structured-input
// submission.
func EncodeModalID(workflowID, stepID string) string {
	return fmt.Sprintf("wf_modal:%s:%s", workflowID, stepID)
}

// DecodeModalID parses a modal callback id.
func DecodeModalID(id string) (workflowID, stepID string, ok bool) {
	if !strings.HasPrefix(id, modalPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(id, modalPrefix)
	workflowID, stepID, ok = strings.Cut(rest, ":")
	if !ok || workflowID == "" || stepID == "" {
		return "", "", false
	}
	return workflowID, stepID, true
}

// IsMetaCommand reports whether a raw text reply is one of the meta
// commands recognized on every surface: "cancel" or "back",
// case-insensitive, with an optional slash prefix.
func IsMetaCommand(text string) (ActionKind, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimPrefix(t, "/")
	switch t {
	case "cancel":
		return ActionCancel, true
	case "back":
		return ActionBack, true
	}
	return "", false
}
