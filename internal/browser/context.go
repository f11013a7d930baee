package browser

import "context"

// CombineContext derives a context from sessionCtx that is also canceled when opCtx is.
// Values (such as a chromedp target) come from sessionCtx, the deadline from whichever
// finishes first.
func CombineContext(sessionCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(sessionCtx)
	if deadline, ok := opCtx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		combined, cancelDeadline = context.WithDeadline(combined, deadline)
		prev := cancel
		cancel = func() { cancelDeadline(); prev() }
	}
	stop := context.AfterFunc(opCtx, cancel)
	return combined, func() { stop(); cancel() }
}
