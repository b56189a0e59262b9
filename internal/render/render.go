// Package render derives platform-specific markup from one authored body.
package render

import (
	"regexp"

	"channelcast/internal/model"
)

// Authored text uses markdown-style marks: **bold** or *bold*, _italic_,
// ~~strike~~, `code`. WhatsApp and Telegram disagree on bold and strike
// delimiters and on code fencing, so each gets its own variant.
var (
	reBoldDouble = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldSingle = regexp.MustCompile(`(^|[^*])\*([^*\n]+?)\*`)
	reStrike     = regexp.MustCompile(`~~(.+?)~~`)
	reCode       = regexp.MustCompile("`([^`]+)`")
)

// Message renders the per-platform variants for one authored body.
// It is a pure function; empty input yields empty variants.
func Message(raw string) map[model.Platform]string {
	if raw == "" {
		return map[model.Platform]string{
			model.PlatformWhatsApp: "",
			model.PlatformTelegram: "",
		}
	}
	return map[model.Platform]string{
		model.PlatformWhatsApp: forWhatsApp(raw),
		model.PlatformTelegram: forTelegram(raw),
	}
}

// forWhatsApp: **b** -> *b*, ~~s~~ -> ~s~, `c` -> ```c```.
// Single-star bold and _italic_ are already WhatsApp-native.
func forWhatsApp(text string) string {
	out := reBoldDouble.ReplaceAllString(text, `*$1*`)
	out = reStrike.ReplaceAllString(out, `~$1~`)
	out = reCode.ReplaceAllString(out, "```$1```")
	return out
}

// forTelegram: *b* -> **b**. Double-star bold, _italic_, ~~strike~~ and
// `code` are already Telegram-native.
func forTelegram(text string) string {
	return reBoldSingle.ReplaceAllString(text, `$1**$2**`)
}
