package render

import (
	"testing"

	"channelcast/internal/model"
)

func TestMessageVariants(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		whatsapp string
		telegram string
	}{
		{
			name:     "plain text untouched",
			in:       "release 1.2 is out",
			whatsapp: "release 1.2 is out",
			telegram: "release 1.2 is out",
		},
		{
			name:     "double star bold",
			in:       "**urgent** maintenance tonight",
			whatsapp: "*urgent* maintenance tonight",
			telegram: "**urgent** maintenance tonight",
		},
		{
			name:     "single star bold",
			in:       "deploy *now* please",
			whatsapp: "deploy *now* please",
			telegram: "deploy **now** please",
		},
		{
			name:     "strike",
			in:       "~~cancelled~~ rescheduled",
			whatsapp: "~cancelled~ rescheduled",
			telegram: "~~cancelled~~ rescheduled",
		},
		{
			name:     "inline code",
			in:       "run `make deploy` first",
			whatsapp: "run ```make deploy``` first",
			telegram: "run `make deploy` first",
		},
		{
			name:     "italic passes through",
			in:       "_soft_ reminder",
			whatsapp: "_soft_ reminder",
			telegram: "_soft_ reminder",
		},
		{
			name:     "mixed marks",
			in:       "**hot**: run `restart` on ~~old~~ new host",
			whatsapp: "*hot*: run ```restart``` on ~old~ new host",
			telegram: "**hot**: run `restart` on ~~old~~ new host",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Message(tc.in)
			if got[model.PlatformWhatsApp] != tc.whatsapp {
				t.Fatalf("whatsapp = %q, want %q", got[model.PlatformWhatsApp], tc.whatsapp)
			}
			if got[model.PlatformTelegram] != tc.telegram {
				t.Fatalf("telegram = %q, want %q", got[model.PlatformTelegram], tc.telegram)
			}
		})
	}
}

func TestMessageEmptyInput(t *testing.T) {
	got := Message("")
	if got[model.PlatformWhatsApp] != "" || got[model.PlatformTelegram] != "" {
		t.Fatalf("empty input must yield empty variants: %v", got)
	}
}
