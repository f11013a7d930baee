package device

import "strings"

// lower is an XPath 1.0 lowercase of the context node's normalized text.
const lower = "translate(normalize-space(.),'ABCDEFGHIJKLMNOPQRSTUVWXYZ','abcdefghijklmnopqrstuvwxyz')"

// labelIs matches a control whose whole label is one of labels, or starts
// with one followed by a space or comma ("Accept all", "OK, got it").
func labelIs(labels ...string) string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = lower + "='" + l + "' or starts-with(" + lower + ",'" + l + " ') or starts-with(" + lower + ",'" + l + ",')"
	}
	return "(" + strings.Join(parts, " or ") + ")"
}

// inert excludes links that navigate and anything inside a form, so a sweep
// never leaves the page or touches the registration form itself.
const inert = "[not(ancestor::form)][not(self::a[@href and @href!='#' and not(starts-with(translate(@href,'JAVSCRIPT','javscript'),'javascript:'))])]"

func textContains(words ...string) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = "contains(" + lower + ",'" + w + "')"
	}
	return "(" + strings.Join(parts, " or ") + ")"
}

// cookieConsentXPaths are tried in order; the first visible match of a sweep is clicked.
var cookieConsentXPaths = []string{
	// OneTrust, TrustArc, Cookiebot, Didomi, Usercentrics.
	"//*[@id='onetrust-accept-btn-handler']",
	"//*[@id='truste-consent-button']",
	"//*[@id='CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll' or @id='CybotCookiebotDialogBodyButtonAccept']",
	"//*[@id='didomi-notice-agree-button']",
	"//button[@data-testid='uc-accept-all-button']",
	"//*[contains(@id,'cookie') or contains(@class,'cookie') or contains(@id,'consent') or contains(@class,'consent') or @aria-label='cookieconsent']" +
		"//*[self::button or self::a or @role='button']" + inert + "[" + labelIs("accept", "accept all", "agree", "i agree", "i accept", "allow all", "got it", "ok") + "]",
	"//button" + inert + "[" + textContains("accept all cookies", "accept cookies", "allow cookies") + "]",
}

// modalCloseXPaths only target overlays that do not contain a form, so a
// registration form rendered inside a dialog is never closed.
var modalCloseXPaths = []string{
	"//*[(self::dialog or @role='dialog' or @aria-modal='true' or contains(@class,'modal')) and not(.//form)]" +
		"//*[self::button or self::a or @role='button']" +
		"[@aria-label='Close' or @aria-label='close' or @data-dismiss or @data-bs-dismiss or contains(@class,'close') or normalize-space(.)='×' or " +
		textContains("no thanks", "close", "dismiss", "not now") + "]",
	"//*[(contains(@class,'newsletter') or contains(@class,'popup') or contains(@id,'popup')) and not(.//form)]" +
		"//*[self::button or self::a][contains(@class,'close') or @aria-label='Close']",
}
