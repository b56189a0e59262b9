package model

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies one of the supported messaging ecosystems.
type Platform string

const (
	PlatformWhatsApp Platform = "whatsapp"
	PlatformTelegram Platform = "telegram"
)

// Platforms lists all supported platforms in dispatch order.
// Outcome concatenation relies on this order being stable.
func Platforms() []Platform {
	return []Platform{PlatformWhatsApp, PlatformTelegram}
}

func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformWhatsApp:
		return PlatformWhatsApp, nil
	case PlatformTelegram:
		return PlatformTelegram, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// Channel is a named delivery destination bound to exactly one platform.
//
// (Name, Platform) is unique. ChatID is the platform-native address: required
// before dispatch on telegram, empty on whatsapp where the sender addresses
// channels by name. Channels are never hard-deleted; disable them instead.
type Channel struct {
	ID          string
	Name        string
	Platform    Platform
	ChatID      string
	IsAdmin     bool
	Enabled     bool
	Description string
	LastUpdated time.Time
}
