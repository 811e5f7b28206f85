package extract

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of anti-bot page detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// DetectBlock checks a response for signs of anti-bot protection. header may
// be nil when only the rendered page is available.
func DetectBlock(status int, header http.Header, body []byte) (bool, BlockType) {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header != nil && (header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" ||
			strings.EqualFold(header.Get("server"), "cloudflare")) {
			return true, BlockCloudflare
		}
	}
	return DetectBlockHTML(body)
}

// DetectBlockHTML inspects page markup alone.
func DetectBlockHTML(body []byte) (bool, BlockType) {
	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cf-challenge") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, BlockCloudflare
	}

	if strings.Contains(lower, "g-recaptcha") ||
		strings.Contains(lower, "h-captcha") ||
		strings.Contains(lower, "hcaptcha.com") ||
		strings.Contains(lower, "captcha-container") ||
		strings.Contains(lower, "are you a robot") {
		return true, BlockCaptcha
	}

	// JS-only shell: tiny body that asks for JavaScript or refreshes.
	if len(body) > 0 && len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") &&
			!strings.Contains(lower, "<style") && !strings.Contains(lower, "stylesheet") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, `http-equiv="refresh"`) {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}
